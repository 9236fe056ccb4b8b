// Package codec isolates the platform decoding primitive behind a small
// interface, together with the codec-configuration edge cases (out-of-band
// parameter set extraction, AVCC to Annex B conversion) that feeding one
// involves.
package codec

import (
	"context"
	"errors"
	"image"
	"strings"
)

// ErrUnsupportedCodec is returned by Configure for codec families the
// decoder cannot handle.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Family is the codec family of a video track. All structural reach-through
// into container sample descriptions branches on this in exactly one place.
type Family int

const (
	FamilyUnsupported Family = iota
	FamilyAVC
	FamilyHEVC
	FamilyVP9
	FamilyAV1
)

func (f Family) String() string {
	switch f {
	case FamilyAVC:
		return "avc"
	case FamilyHEVC:
		return "hevc"
	case FamilyVP9:
		return "vp9"
	case FamilyAV1:
		return "av1"
	}
	return "unsupported"
}

// NeedsDescription reports whether the family mandates out-of-band
// configuration before the first compressed sample can be decoded.
func (f Family) NeedsDescription() bool {
	return f == FamilyAVC || f == FamilyHEVC
}

// FamilyOf maps a codec identifier string ("avc1.64001f", "hev1", "h264",
// "vp09.00.10.08", ...) to its family.
func FamilyOf(codec string) Family {
	c := strings.ToLower(codec)
	switch {
	case strings.HasPrefix(c, "avc1"), strings.HasPrefix(c, "avc3"), c == "h264":
		return FamilyAVC
	case strings.HasPrefix(c, "hev1"), strings.HasPrefix(c, "hvc1"), c == "hevc", c == "h265":
		return FamilyHEVC
	case strings.HasPrefix(c, "vp09"), c == "vp9":
		return FamilyVP9
	case strings.HasPrefix(c, "av01"), c == "av1":
		return FamilyAV1
	}
	return FamilyUnsupported
}

// Config is built once from container metadata and passed to Configure
// exactly once per extraction attempt. Reconfiguration is not supported.
type Config struct {
	Codec          string
	CodedWidth     int
	CodedHeight    int
	Description    []byte // raw avcC/hvcC payload, box header stripped
	PreferHardware bool
}

// Chunk is one compressed sample in decode order. Ownership transfers into
// Decode; the chunk is not reused afterwards.
type Chunk struct {
	Data     []byte
	PTS      int64 // microseconds
	Duration int64 // microseconds
	Key      bool
}

// Frame is a decoded picture. It must be released exactly once, immediately
// after any rasterization work reads from it, whether or not it was kept.
type Frame struct {
	Pix     []byte // RGBA, 4 bytes per pixel, no padding
	Width   int
	Height  int
	PTS     int64 // microseconds
	release func()
}

// NewFrame wraps pixel data with a release hook. The hook may be nil.
func NewFrame(pix []byte, width, height int, pts int64, release func()) *Frame {
	return &Frame{Pix: pix, Width: width, Height: height, PTS: pts, release: release}
}

// RGBA exposes the frame as an image without copying.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Release returns the pixel buffer to its owner. Safe to call once only;
// the pipeline structure guarantees exactly one caller.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
	f.Pix = nil
}

// Callbacks are handed to a decoder at construction time. OnFrame and
// OnError are invoked from the decoder's output goroutine; OnDequeue fires
// whenever the pending-decode count drops, and drives backpressure.
type Callbacks struct {
	OnFrame   func(*Frame)
	OnError   func(error)
	OnDequeue func()
}

// Decoder wraps a decoding primitive. Chunks must be submitted in strict
// decode order; decoded frames are delivered asynchronously via OnFrame.
type Decoder interface {
	// Configure prepares the decoder. A configuration error is fatal to the
	// fast path for this attempt.
	Configure(cfg Config) error

	// Decode submits one compressed chunk.
	Decode(chunk Chunk) error

	// Flush drains all in-flight decodes and delivers remaining outputs.
	// Only after Flush returns is the attempt considered complete.
	Flush(ctx context.Context) error

	// Close tears the decoder down. Idempotent.
	Close()

	// Pending is the decoder's current pending-decode count, used for
	// backpressure.
	Pending() int
}

// Factory builds a fresh decoder for one extraction attempt. Decoders are
// never shared or reused across attempts.
type Factory func(cb Callbacks) Decoder
