package mp4

import (
	"fmt"

	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
)

// TrackType classifies a track by its handler.
type TrackType int

const (
	TrackOther TrackType = iota
	TrackVideo
	TrackAudio
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "other"
}

// Track is the per-track metadata exposed once the movie box is parsed.
type Track struct {
	ID        uint32
	Type      TrackType
	Timescale uint32
	Duration  uint64 // track timescale units
	Width     int
	Height    int

	// Codec is the codec identifier, e.g. "avc1.64001F" or "vp09".
	Codec string

	// Description is the raw codec-specific configuration payload (avcC or
	// hvcC contents with the box header stripped), empty when the codec
	// carries its configuration in-band.
	Description []byte

	samples []sampleInfo
}

// SampleCount is the number of samples in the track.
func (t *Track) SampleCount() int { return len(t.samples) }

// DurationSeconds converts the track duration to seconds.
func (t *Track) DurationSeconds() float64 {
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Duration) / float64(t.Timescale)
}

// FrameRate derives samples per second as count / (duration / timescale).
func (t *Track) FrameRate() float64 {
	secs := t.DurationSeconds()
	if secs == 0 {
		return 0
	}
	return float64(len(t.samples)) / secs
}

// Info is the container-level metadata delivered by the ready callback.
type Info struct {
	Brand     string
	Timescale uint32
	Duration  uint64 // movie timescale units
	Tracks    []*Track
}

// VideoTrack returns the first video track, or nil.
func (i *Info) VideoTrack() *Track {
	for _, t := range i.Tracks {
		if t.Type == TrackVideo {
			return t
		}
	}
	return nil
}

// parseMoov builds Info from a fully buffered moov payload.
func parseMoov(payload []byte) (*Info, error) {
	info := &Info{}
	err := forEachBox(payload, func(typ string, body []byte) error {
		switch typ {
		case "mvhd":
			return parseMvhd(body, info)
		case "trak":
			trk, err := parseTrak(body)
			if err != nil {
				return err
			}
			info.Tracks = append(info.Tracks, trk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(info.Tracks) == 0 {
		return nil, malformed("moov has no tracks")
	}
	return info, nil
}

func parseMvhd(b []byte, info *Info) error {
	version, body, err := fullBox(b)
	if err != nil {
		return err
	}
	switch version {
	case 0:
		if len(body) < 16 {
			return malformed("mvhd v0 too short")
		}
		info.Timescale = be32(body[8:])
		info.Duration = uint64(be32(body[12:]))
	case 1:
		if len(body) < 28 {
			return malformed("mvhd v1 too short")
		}
		info.Timescale = be32(body[16:])
		info.Duration = be64(body[20:])
	default:
		return malformed("mvhd version %d", version)
	}
	return nil
}

func parseTrak(payload []byte) (*Track, error) {
	trk := &Track{}
	var tables *stblTables

	err := forEachBox(payload, func(typ string, body []byte) error {
		switch typ {
		case "tkhd":
			return parseTkhd(body, trk)
		case "mdia":
			return forEachBox(body, func(typ string, body []byte) error {
				switch typ {
				case "mdhd":
					return parseMdhd(body, trk)
				case "hdlr":
					return parseHdlr(body, trk)
				case "minf":
					return forEachBox(body, func(typ string, body []byte) error {
						if typ != "stbl" {
							return nil
						}
						t, err := parseStbl(body, trk)
						tables = t
						return err
					})
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if trk.Type == TrackVideo {
		if tables == nil {
			return nil, malformed("video track %d has no sample table", trk.ID)
		}
		samples, err := tables.build()
		if err != nil {
			return nil, err
		}
		trk.samples = samples
	} else if tables != nil {
		// Non-video tracks are not demuxed; count is still useful metadata.
		samples, err := tables.build()
		if err == nil {
			trk.samples = samples
		}
	}
	return trk, nil
}

func parseTkhd(b []byte, trk *Track) error {
	version, body, err := fullBox(b)
	if err != nil {
		return err
	}
	var idOff, dimOff int
	switch version {
	case 0:
		idOff, dimOff = 8, 72 // width at creation(4)+mod(4)+id(4)+res(4)+dur(4)+res(8)+layer..volume(8)+matrix(36)
	case 1:
		idOff, dimOff = 16, 84
	default:
		return malformed("tkhd version %d", version)
	}
	if len(body) < dimOff+8 {
		return malformed("tkhd too short")
	}
	trk.ID = be32(body[idOff:])
	// 16.16 fixed point
	trk.Width = int(be32(body[dimOff:]) >> 16)
	trk.Height = int(be32(body[dimOff+4:]) >> 16)
	return nil
}

func parseMdhd(b []byte, trk *Track) error {
	version, body, err := fullBox(b)
	if err != nil {
		return err
	}
	switch version {
	case 0:
		if len(body) < 16 {
			return malformed("mdhd v0 too short")
		}
		trk.Timescale = be32(body[8:])
		trk.Duration = uint64(be32(body[12:]))
	case 1:
		if len(body) < 28 {
			return malformed("mdhd v1 too short")
		}
		trk.Timescale = be32(body[16:])
		trk.Duration = be64(body[20:])
	default:
		return malformed("mdhd version %d", version)
	}
	if trk.Timescale == 0 {
		return malformed("mdhd timescale is zero")
	}
	return nil
}

func parseHdlr(b []byte, trk *Track) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return malformed("hdlr too short")
	}
	switch string(body[4:8]) {
	case "vide":
		trk.Type = TrackVideo
	case "soun":
		trk.Type = TrackAudio
	default:
		trk.Type = TrackOther
	}
	return nil
}

// visual sample entry: 78 bytes of fixed fields after the format fourcc,
// width and height at offsets 24 and 26.
const (
	visualEntryFixedLen = 78
	visualEntryDimOff   = 24
)

func parseStsd(b []byte, trk *Track) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("stsd too short")
	}
	count := be32(body)
	if count == 0 {
		return malformed("stsd has no entries")
	}

	// Only the first sample description drives decoding.
	return forEachBox(body[4:], func(format string, entry []byte) error {
		if trk.Codec != "" || trk.Type != TrackVideo {
			if trk.Type != TrackVideo && trk.Codec == "" {
				trk.Codec = format
			}
			return nil
		}
		return parseVisualEntry(format, entry, trk)
	})
}

func parseVisualEntry(format string, entry []byte, trk *Track) error {
	if len(entry) < visualEntryFixedLen {
		return malformed("sample entry %q too short", format)
	}
	if trk.Width == 0 {
		trk.Width = int(be16(entry[visualEntryDimOff:]))
		trk.Height = int(be16(entry[visualEntryDimOff+2:]))
	}

	trk.Codec = format
	return forEachBox(entry[visualEntryFixedLen:], func(typ string, body []byte) error {
		switch typ {
		case "avcC":
			cfg, err := codec.ParseAVCC(body)
			if err != nil {
				return malformed("track %d avcC: %v", trk.ID, err)
			}
			trk.Codec = cfg.CodecString()
			trk.Description = body
		case "hvcC":
			if _, err := codec.ParseHVCC(body); err != nil {
				return malformed("track %d hvcC: %v", trk.ID, err)
			}
			trk.Description = body
		}
		return nil
	})
}

func parseStbl(payload []byte, trk *Track) (*stblTables, error) {
	tables := &stblTables{}
	err := forEachBox(payload, func(typ string, body []byte) error {
		switch typ {
		case "stsd":
			return parseStsd(body, trk)
		case "stts":
			return tables.parseStts(body)
		case "ctts":
			return tables.parseCtts(body)
		case "stsz":
			return tables.parseStsz(body)
		case "stsc":
			return tables.parseStsc(body)
		case "stco":
			return tables.parseStco(body, false)
		case "co64":
			return tables.parseStco(body, true)
		case "stss":
			return tables.parseStss(body)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("track %d: %w", trk.ID, err)
	}
	return tables, nil
}
