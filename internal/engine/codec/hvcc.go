package codec

import (
	"encoding/binary"
	"fmt"
)

// HEVCDecoderConfig is the parsed hvcC payload.
type HEVCDecoderConfig struct {
	NALULengthSize int
	VPS            [][]byte
	SPS            [][]byte
	PPS            [][]byte
}

// h265 NAL unit types carried in hvcC arrays
const (
	hevcNALVPS = 32
	hevcNALSPS = 33
	hevcNALPPS = 34
)

// ParseHVCC parses a raw hvcC box payload (without the box header).
func ParseHVCC(b []byte) (*HEVCDecoderConfig, error) {
	if len(b) < 23 {
		return nil, fmt.Errorf("hvcC too short: %d bytes", len(b))
	}
	if b[0] != 1 {
		return nil, fmt.Errorf("hvcC configuration version %d", b[0])
	}

	cfg := &HEVCDecoderConfig{
		NALULengthSize: int(b[21]&0x03) + 1,
	}

	numArrays := int(b[22])
	pos := 23
	for a := 0; a < numArrays; a++ {
		if pos+3 > len(b) {
			return nil, fmt.Errorf("hvcC truncated in array header")
		}
		nalType := int(b[pos] & 0x3F)
		count := int(binary.BigEndian.Uint16(b[pos+1:]))
		pos += 3
		for i := 0; i < count; i++ {
			if pos+2 > len(b) {
				return nil, fmt.Errorf("hvcC truncated reading NALU length")
			}
			n := int(binary.BigEndian.Uint16(b[pos:]))
			pos += 2
			if pos+n > len(b) {
				return nil, fmt.Errorf("hvcC truncated reading NALU payload")
			}
			nal := b[pos : pos+n]
			pos += n
			switch nalType {
			case hevcNALVPS:
				cfg.VPS = append(cfg.VPS, nal)
			case hevcNALSPS:
				cfg.SPS = append(cfg.SPS, nal)
			case hevcNALPPS:
				cfg.PPS = append(cfg.PPS, nal)
			}
		}
	}

	if len(cfg.SPS) == 0 || len(cfg.PPS) == 0 {
		return nil, fmt.Errorf("hvcC has no parameter sets")
	}
	return cfg, nil
}

// AnnexBHeaders serializes VPS/SPS/PPS as start-code prefixed NAL units.
func (c *HEVCDecoderConfig) AnnexBHeaders() []byte {
	var out []byte
	for _, v := range c.VPS {
		out = appendStartCodeNAL(out, v)
	}
	for _, s := range c.SPS {
		out = appendStartCodeNAL(out, s)
	}
	for _, p := range c.PPS {
		out = appendStartCodeNAL(out, p)
	}
	return out
}
