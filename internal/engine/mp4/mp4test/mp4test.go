// Package mp4test builds minimal single-track H.264 files for tests.
package mp4test

import "encoding/binary"

const (
	Timescale = 15360
	Delta     = 512 // 30fps
	TrackID   = 1
	Width     = 320
	Height    = 240
)

func u16(v uint32) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Box wraps a payload in a box header.
func Box(typ string, parts ...[]byte) []byte {
	payload := cat(parts...)
	return cat(u32(uint32(8+len(payload))), []byte(typ), payload)
}

// FullBox wraps a payload in a box header plus a version/flags word.
func FullBox(typ string, version byte, parts ...[]byte) []byte {
	return Box(typ, append([]byte{version, 0, 0, 0}, cat(parts...)...))
}

// AVCC is a valid avcC payload with one SPS and one PPS, profile High
// level 3.1 ("avc1.64001F"), 4-byte NALU lengths.
func AVCC() []byte {
	sps := []byte{0x67, 0x64, 0x00, 0x1F, 0xAC}
	pps := []byte{0x68, 0xEE, 0x3C, 0x80}
	return cat(
		[]byte{1, 0x64, 0x00, 0x1F, 0xFF, 0xE1},
		u16(uint32(len(sps))), sps,
		[]byte{1},
		u16(uint32(len(pps))), pps,
	)
}

// Samples generates n distinct sample payloads of increasing size.
func Samples(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		s := make([]byte, 10+i)
		for j := range s {
			s[j] = byte(i + 1)
		}
		out[i] = s
	}
	return out
}

// BuildFile assembles a single-track H.264 file with the given sample
// payloads in one chunk. keys are 1-based sync sample numbers. moovFirst
// controls whether the movie box precedes the media data.
func BuildFile(samples [][]byte, keys []uint32, moovFirst bool) []byte {
	return build(samples, keys, moovFirst, true)
}

// BuildFileNoDescription is BuildFile with the avcC box omitted from the
// sample entry, modeling a container that lacks the codec's mandatory
// out-of-band configuration.
func BuildFileNoDescription(samples [][]byte, keys []uint32, moovFirst bool) []byte {
	return build(samples, keys, moovFirst, false)
}

func build(samples [][]byte, keys []uint32, moovFirst, withDescription bool) []byte {
	ftyp := Box("ftyp", []byte("isom"), u32(512), []byte("isomiso2avc1mp41"))

	var mdatPayload []byte
	for _, s := range samples {
		mdatPayload = append(mdatPayload, s...)
	}
	mdat := Box("mdat", mdatPayload)

	n := uint32(len(samples))

	moov := func(chunkOffset uint32) []byte {
		// visual sample entry: 78 fixed bytes, dims at offset 24, then avcC
		entry := make([]byte, 78)
		copy(entry[24:], u16(Width))
		copy(entry[26:], u16(Height))
		avc1 := Box("avc1", entry)
		if withDescription {
			avc1 = Box("avc1", entry, Box("avcC", AVCC()))
		}

		sizes := make([]byte, 0, 4*n)
		for _, s := range samples {
			sizes = append(sizes, u32(uint32(len(s)))...)
		}
		var stssBody []byte
		for _, k := range keys {
			stssBody = append(stssBody, u32(k)...)
		}

		stbl := Box("stbl",
			FullBox("stsd", 0, u32(1), avc1),
			FullBox("stts", 0, u32(1), u32(n), u32(Delta)),
			FullBox("stsz", 0, u32(0), u32(n), sizes),
			FullBox("stsc", 0, u32(1), u32(1), u32(n), u32(1)),
			FullBox("stco", 0, u32(1), u32(chunkOffset)),
			FullBox("stss", 0, u32(uint32(len(keys))), stssBody),
		)

		tkhdBody := make([]byte, 80)
		copy(tkhdBody[8:], u32(TrackID))
		copy(tkhdBody[72:], u32(Width<<16))
		copy(tkhdBody[76:], u32(Height<<16))

		mdhdBody := make([]byte, 20)
		copy(mdhdBody[8:], u32(Timescale))
		copy(mdhdBody[12:], u32(n*Delta))

		hdlrBody := make([]byte, 20)
		copy(hdlrBody[4:], []byte("vide"))

		trak := Box("trak",
			FullBox("tkhd", 0, tkhdBody),
			Box("mdia",
				FullBox("mdhd", 0, mdhdBody),
				FullBox("hdlr", 0, hdlrBody),
				Box("minf", stbl),
			),
		)

		mvhdBody := make([]byte, 96)
		copy(mvhdBody[8:], u32(Timescale))
		copy(mvhdBody[12:], u32(n*Delta))

		return Box("moov", FullBox("mvhd", 0, mvhdBody), trak)
	}

	// The chunk offset depends on the moov size, which does not depend on
	// the offset value, so one sizing pass suffices.
	if moovFirst {
		probe := moov(0)
		offset := uint32(len(ftyp) + len(probe) + 8)
		return cat(ftyp, moov(offset), mdat)
	}
	offset := uint32(len(ftyp) + 8)
	return cat(ftyp, mdat, moov(offset))
}
