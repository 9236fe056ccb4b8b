package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    ImageFormat
		wantErr bool
	}{
		{"png", FormatPNG, false},
		{"", FormatPNG, false},
		{"jpeg", FormatJPEG, false},
		{"jpg", FormatJPEG, false},
		{"webp", FormatWebP, false},
		{"gif", "", true},
		{"PNG", "", true},
	}
	for _, tc := range cases {
		got, err := ParseImageFormat(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestImageFormatExt(t *testing.T) {
	assert.Equal(t, "png", FormatPNG.Ext())
	assert.Equal(t, "jpg", FormatJPEG.Ext())
	assert.Equal(t, "webp", FormatWebP.Ext())
}

func TestImageFormatLossless(t *testing.T) {
	assert.True(t, FormatPNG.Lossless())
	assert.False(t, FormatJPEG.Lossless())
	assert.False(t, FormatWebP.Lossless())
}

func validSettings() ExtractionSettings {
	return ExtractionSettings{FPS: 1, ScalePercent: 100, Quality: 0.92, Format: FormatPNG}
}

func TestExtractionSettingsValidate(t *testing.T) {
	assert.NoError(t, validSettings().Validate())

	cases := []struct {
		name   string
		mutate func(*ExtractionSettings)
	}{
		{"zero fps", func(s *ExtractionSettings) { s.FPS = 0 }},
		{"negative fps", func(s *ExtractionSettings) { s.FPS = -1 }},
		{"zero scale", func(s *ExtractionSettings) { s.ScalePercent = 0 }},
		{"scale above 100", func(s *ExtractionSettings) { s.ScalePercent = 150 }},
		{"negative quality", func(s *ExtractionSettings) { s.Quality = -0.1 }},
		{"quality above 1", func(s *ExtractionSettings) { s.Quality = 1.1 }},
		{"unknown format", func(s *ExtractionSettings) { s.Format = "gif" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}

	fractional := validSettings()
	fractional.FPS = 0.5
	assert.NoError(t, fractional.Validate())
}

func TestOutputDims(t *testing.T) {
	s := validSettings()
	s.ScalePercent = 50
	w, h := s.OutputDims(1920, 1080)
	assert.Equal(t, 960, w)
	assert.Equal(t, 540, h)

	s.ScalePercent = 100
	w, h = s.OutputDims(1280, 720)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	// Truncation, not rounding.
	s.ScalePercent = 33
	w, h = s.OutputDims(100, 100)
	assert.Equal(t, 33, w)
	assert.Equal(t, 33, h)

	// Never collapses to zero.
	s.ScalePercent = 1
	w, h = s.OutputDims(10, 10)
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}

func TestTargetCount(t *testing.T) {
	s := validSettings()
	assert.Equal(t, 10, s.TargetCount(10))
	assert.Equal(t, 10, s.TargetCount(10.9))

	s.FPS = 2
	assert.Equal(t, 21, s.TargetCount(10.5))

	s.FPS = 0.5
	assert.Equal(t, 5, s.TargetCount(10))
	assert.Equal(t, 4, s.TargetCount(9.9))
}

func TestOutputImageFileName(t *testing.T) {
	img := OutputImage{Index: 1}
	assert.Equal(t, "frame_00001.png", img.FileName(FormatPNG))

	img.Index = 12345
	assert.Equal(t, "frame_12345.jpg", img.FileName(FormatJPEG))
}
