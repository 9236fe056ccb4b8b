package mp4

import (
	"errors"
	"fmt"
)

// Sample is one demuxed access unit. Data aliases the parser's buffer and
// is consumed exactly once by the decoder.
type Sample struct {
	Number   int   // 1-based position in decode order
	DTS      int64 // track timescale units
	PTS      int64 // track timescale units (DTS + composition offset)
	Duration int64 // track timescale units
	Key      bool
	Data     []byte
}

// TimeToMicros converts a track-timescale value to microseconds.
func TimeToMicros(v int64, timescale uint32) int64 {
	return v * 1e6 / int64(timescale)
}

// ErrStopped is returned by Append after Stop.
var ErrStopped = errors.New("parser stopped")

// Parser incrementally parses an ISO-BMFF byte stream. Bytes are appended
// in strictly increasing file-offset order; the ready callback fires once
// track metadata is parseable, and samples are delivered in batches once
// extraction has been requested for a track.
//
// The parser retains all appended bytes until Stop: sample payloads may
// live anywhere in the file relative to the movie box, so nothing can be
// discarded before demuxing completes.
type Parser struct {
	onReady   func(*Info)
	onSamples func(trackID uint32, samples []*Sample)
	onError   func(error)

	buf     []byte
	scanned int64 // offset of the next unscanned top-level box
	brand   string

	info    *Info
	failed  error
	stopped bool

	started   bool
	trackID   uint32
	batchSize int
	delivered int
}

func NewParser() *Parser {
	return &Parser{}
}

// OnReady registers the metadata callback, invoked once.
func (p *Parser) OnReady(fn func(*Info)) { p.onReady = fn }

// OnSamples registers the batch delivery callback.
func (p *Parser) OnSamples(fn func(trackID uint32, samples []*Sample)) { p.onSamples = fn }

// OnError registers the terminal error callback, invoked at most once.
// After an error no partial metadata is usable.
func (p *Parser) OnError(fn func(error)) { p.onError = fn }

// Append feeds the next byte range. Offset must equal the total number of
// bytes appended so far.
func (p *Parser) Append(data []byte, offset int64) error {
	if p.stopped {
		return ErrStopped
	}
	if p.failed != nil {
		return p.failed
	}
	if offset != int64(len(p.buf)) {
		return p.fail(malformed("non-contiguous append: offset %d, have %d bytes", offset, len(p.buf)))
	}

	p.buf = append(p.buf, data...)
	if err := p.scan(); err != nil {
		return p.fail(err)
	}
	p.deliver()
	return nil
}

// Start requests sample extraction for a track, batchSize samples per
// callback. Must be called before samples are demuxed; calling it after
// metadata is ready delivers any already-buffered samples immediately.
func (p *Parser) Start(trackID uint32, batchSize int) error {
	if p.stopped {
		return ErrStopped
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	p.started = true
	p.trackID = trackID
	p.batchSize = batchSize
	p.deliver()
	return nil
}

// Flush verifies the stream is complete: metadata parsed and, if extraction
// was started, every sample of the requested track delivered.
func (p *Parser) Flush() error {
	if p.failed != nil {
		return p.failed
	}
	if p.info == nil {
		return malformed("stream ended before movie box was complete")
	}
	if p.started {
		trk := p.track(p.trackID)
		if trk == nil {
			return malformed("unknown track %d", p.trackID)
		}
		if p.delivered < trk.SampleCount() {
			return malformed("stream ended with %d of %d samples delivered",
				p.delivered, trk.SampleCount())
		}
	}
	return nil
}

// Stop releases parser state. The parser is unusable afterwards.
func (p *Parser) Stop() {
	p.stopped = true
	p.buf = nil
	p.info = nil
}

// Info returns the parsed metadata, or nil before the ready callback.
func (p *Parser) Info() *Info { return p.info }

func (p *Parser) fail(err error) error {
	if p.failed == nil {
		p.failed = err
		p.info = nil
		if p.onError != nil {
			p.onError(err)
		}
	}
	return err
}

func (p *Parser) track(id uint32) *Track {
	if p.info == nil {
		return nil
	}
	for _, t := range p.info.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// scan advances over top-level boxes as their headers (and, for moov and
// ftyp, their payloads) become available.
func (p *Parser) scan() error {
	for {
		h, ok, err := parseBoxHeader(p.buf, p.scanned)
		if err != nil {
			return err
		}
		if !ok {
			return nil // need more bytes for a header
		}
		if !topLevelTypes[h.Type] {
			return malformed("unexpected top-level box %q at offset %d", h.Type, p.scanned)
		}

		if h.Size == -1 {
			// Box extends to end of file; nothing after it to scan.
			return nil
		}
		end := p.scanned + h.Size

		switch h.Type {
		case "ftyp":
			if end > int64(len(p.buf)) {
				return nil
			}
			payload := p.buf[p.scanned+h.HeaderLen : end]
			if len(payload) >= 4 {
				p.brand = string(payload[:4])
			}
		case "moov":
			if end > int64(len(p.buf)) {
				return nil // wait for the complete movie box
			}
			if p.info == nil {
				info, err := parseMoov(p.buf[p.scanned+h.HeaderLen : end])
				if err != nil {
					return err
				}
				info.Brand = p.brand
				p.info = info
				if p.onReady != nil {
					p.onReady(info)
				}
			}
		}

		p.scanned = end
	}
}

// deliver hands out batches of samples whose payload bytes are fully
// buffered, in decode order.
func (p *Parser) deliver() {
	if !p.started || p.info == nil || p.failed != nil || p.onSamples == nil {
		return
	}
	trk := p.track(p.trackID)
	if trk == nil {
		return
	}

	for p.delivered < len(trk.samples) {
		batch := make([]*Sample, 0, p.batchSize)
		for len(batch) < p.batchSize && p.delivered < len(trk.samples) {
			si := trk.samples[p.delivered]
			if si.offset+int64(si.size) > int64(len(p.buf)) {
				break // payload not buffered yet
			}
			n := p.delivered + 1
			var dur int64
			if n < len(trk.samples) {
				dur = trk.samples[n].dts - si.dts
			}
			batch = append(batch, &Sample{
				Number:   n,
				DTS:      si.dts,
				PTS:      si.dts + int64(si.cts),
				Duration: dur,
				Key:      si.key,
				Data:     p.buf[si.offset : si.offset+int64(si.size)],
			})
			p.delivered++
		}
		if len(batch) == 0 {
			return
		}
		p.onSamples(p.trackID, batch)
	}
}
