// Package mp4 is a progressive ISO base media file format parser. It is fed
// byte ranges in file order, surfaces track metadata as soon as the movie
// box is complete, and demuxes compressed samples in decode order as their
// bytes become available. Only the structures needed to drive a video
// decoder are parsed.
package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by all structural parse failures.
var ErrMalformed = errors.New("malformed mp4")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func be16(b []byte) uint32 { return uint32(binary.BigEndian.Uint16(b)) }
func be32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// boxHeader is one parsed box header. Size is the full box size including
// the header; HeaderLen is 8, or 16 for largesize boxes.
type boxHeader struct {
	Type      string
	Size      int64
	HeaderLen int64
}

// parseBoxHeader reads a box header at pos. Returns ok=false when more bytes
// are needed. A size of 0 (box extends to end of file) yields Size == -1.
func parseBoxHeader(b []byte, pos int64) (h boxHeader, ok bool, err error) {
	if pos+8 > int64(len(b)) {
		return h, false, nil
	}
	size := int64(be32(b[pos:]))
	h.Type = string(b[pos+4 : pos+8])
	h.HeaderLen = 8

	switch size {
	case 0:
		h.Size = -1
	case 1:
		if pos+16 > int64(len(b)) {
			return h, false, nil
		}
		h.Size = int64(be64(b[pos+8:]))
		h.HeaderLen = 16
		if h.Size < 16 {
			return h, false, malformed("box %q largesize %d", h.Type, h.Size)
		}
	default:
		if size < 8 {
			return h, false, malformed("box %q size %d", h.Type, size)
		}
		h.Size = size
	}
	return h, true, nil
}

// forEachBox walks the complete child boxes of a fully buffered payload.
func forEachBox(payload []byte, fn func(typ string, body []byte) error) error {
	pos := int64(0)
	for pos < int64(len(payload)) {
		h, ok, err := parseBoxHeader(payload, pos)
		if err != nil {
			return err
		}
		if !ok {
			return malformed("truncated box header at offset %d", pos)
		}
		end := pos + h.Size
		if h.Size == -1 {
			end = int64(len(payload))
		}
		if end > int64(len(payload)) {
			return malformed("box %q overruns parent (%d > %d)", h.Type, end, len(payload))
		}
		if err := fn(h.Type, payload[pos+h.HeaderLen:end]); err != nil {
			return err
		}
		pos = end
	}
	return nil
}

// fullBox strips the version/flags word, returning version and body.
func fullBox(b []byte) (version byte, body []byte, err error) {
	if len(b) < 4 {
		return 0, nil, malformed("full box shorter than version/flags")
	}
	return b[0], b[4:], nil
}

// topLevelTypes lists box types valid at file level; anything else on the
// first scan means the bytes are not an ISO-BMFF structure.
var topLevelTypes = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "moof": true, "mfra": true,
	"mdat": true, "free": true, "skip": true, "wide": true, "pdin": true,
	"meta": true, "uuid": true, "sidx": true, "emsg": true, "prft": true,
}
