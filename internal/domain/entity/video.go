package entity

import (
	"fmt"
	"math"
)

// ImageFormat is the still-image format frames are encoded to.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatWebP ImageFormat = "webp"
)

// ParseImageFormat normalizes a user-supplied format name.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch s {
	case "png", "":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("unknown image format %q", s)
}

// Ext returns the file extension without the dot.
func (f ImageFormat) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// Lossless reports whether the quality setting is ignored for this format.
func (f ImageFormat) Lossless() bool {
	return f == FormatPNG
}

// VideoInfo is derived once per input file and is immutable afterwards.
type VideoInfo struct {
	Width       int
	Height      int
	Duration    float64 // seconds
	SampleCount int
	FrameRate   float64 // samples per second
	Codec       string  // codec identifier, e.g. "h264" or "avc1.64001f"
	Container   string  // container format name as reported by the prober
}

// ExtractionSettings is the user-chosen configuration for one extraction run.
type ExtractionSettings struct {
	FPS          float64 // target sampling rate, fractional allowed
	ScalePercent int     // output resolution as percentage of source dimensions
	Quality      float64 // 0..1, ignored for lossless formats
	Format       ImageFormat
}

func (s ExtractionSettings) Validate() error {
	if s.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", s.FPS)
	}
	if s.ScalePercent <= 0 || s.ScalePercent > 100 {
		return fmt.Errorf("scale percent must be in (0,100], got %d", s.ScalePercent)
	}
	if s.Quality < 0 || s.Quality > 1 {
		return fmt.Errorf("quality must be in [0,1], got %v", s.Quality)
	}
	if _, err := ParseImageFormat(string(s.Format)); err != nil {
		return err
	}
	return nil
}

// OutputDims returns the output resolution for a source of the given size.
func (s ExtractionSettings) OutputDims(srcWidth, srcHeight int) (int, int) {
	w := srcWidth * s.ScalePercent / 100
	h := srcHeight * s.ScalePercent / 100
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// TargetCount is the number of frames a fault-free run should produce
// for a source of the given duration.
func (s ExtractionSettings) TargetCount(duration float64) int {
	return int(math.Floor(duration * s.FPS))
}

// OutputImage is one encoded still image. Index is 1-based and defines the
// final ordering regardless of encode completion order.
type OutputImage struct {
	Index int
	Data  []byte
}

// FileName returns a zero-padded, lexicographically sortable name.
func (o OutputImage) FileName(format ImageFormat) string {
	return fmt.Sprintf("frame_%05d.%s", o.Index, format.Ext())
}
