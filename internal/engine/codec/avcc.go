package codec

import (
	"encoding/binary"
	"fmt"
)

// AVCDecoderConfig is the parsed avcC payload: the out-of-band parameter
// sets an H.264 decoder needs before it can decode any sample.
type AVCDecoderConfig struct {
	Profile        byte
	Compatibility  byte
	Level          byte
	NALULengthSize int
	SPS            [][]byte
	PPS            [][]byte
}

// ParseAVCC parses a raw avcC box payload (without the box header).
func ParseAVCC(b []byte) (*AVCDecoderConfig, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("avcC too short: %d bytes", len(b))
	}
	if b[0] != 1 {
		return nil, fmt.Errorf("avcC configuration version %d", b[0])
	}

	cfg := &AVCDecoderConfig{
		Profile:        b[1],
		Compatibility:  b[2],
		Level:          b[3],
		NALULengthSize: int(b[4]&0x03) + 1,
	}

	pos := 5
	numSPS := int(b[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		nal, next, err := readNAL(b, pos, "sps")
		if err != nil {
			return nil, err
		}
		cfg.SPS = append(cfg.SPS, nal)
		pos = next
	}

	if pos >= len(b) {
		return nil, fmt.Errorf("avcC truncated before pps count")
	}
	numPPS := int(b[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nal, next, err := readNAL(b, pos, "pps")
		if err != nil {
			return nil, err
		}
		cfg.PPS = append(cfg.PPS, nal)
		pos = next
	}

	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return nil, fmt.Errorf("avcC has no parameter sets")
	}
	return cfg, nil
}

func readNAL(b []byte, pos int, kind string) ([]byte, int, error) {
	if pos+2 > len(b) {
		return nil, 0, fmt.Errorf("avcC truncated reading %s length", kind)
	}
	n := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if pos+n > len(b) {
		return nil, 0, fmt.Errorf("avcC truncated reading %s payload", kind)
	}
	return b[pos : pos+n], pos + n, nil
}

// CodecString builds the RFC 6381 codec identifier, e.g. "avc1.64001F".
func (c *AVCDecoderConfig) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", c.Profile, c.Compatibility, c.Level)
}

// AnnexBHeaders serializes the parameter sets as start-code prefixed NAL
// units, suitable for prepending to an Annex B elementary stream.
func (c *AVCDecoderConfig) AnnexBHeaders() []byte {
	var out []byte
	for _, s := range c.SPS {
		out = appendStartCodeNAL(out, s)
	}
	for _, p := range c.PPS {
		out = appendStartCodeNAL(out, p)
	}
	return out
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func appendStartCodeNAL(dst, nal []byte) []byte {
	dst = append(dst, startCode...)
	return append(dst, nal...)
}

// LengthPrefixedToAnnexB rewrites a length-prefixed (AVCC/HVCC layout)
// sample into Annex B, appending to dst. The length prefix width comes from
// the decoder configuration.
func LengthPrefixedToAnnexB(dst, sample []byte, lengthSize int) ([]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NALU length size %d", lengthSize)
	}
	pos := 0
	for pos < len(sample) {
		if pos+lengthSize > len(sample) {
			return nil, fmt.Errorf("sample truncated at NALU length, offset %d", pos)
		}
		n := 0
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(sample[pos+i])
		}
		pos += lengthSize
		if n == 0 || pos+n > len(sample) {
			return nil, fmt.Errorf("invalid NALU length %d at offset %d", n, pos)
		}
		dst = appendStartCodeNAL(dst, sample[pos:pos+n])
		pos += n
	}
	return dst, nil
}
