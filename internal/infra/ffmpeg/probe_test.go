package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeSampleMP4 = `{
	"streams": [
		{
			"codec_name": "aac",
			"codec_type": "audio",
			"duration": "10.005333"
		},
		{
			"codec_name": "h264",
			"codec_type": "video",
			"width": 1920,
			"height": 1080,
			"duration": "10.010000",
			"nb_frames": "300",
			"avg_frame_rate": "30000/1001",
			"r_frame_rate": "30000/1001"
		}
	],
	"format": {
		"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
		"duration": "10.010000"
	}
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(probeSampleMP4))
	require.NoError(t, err)

	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", info.Container)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.Equal(t, 300, info.SampleCount)
	assert.InDelta(t, 10.01, info.Duration, 0.001)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
}

func TestParseProbeOutputPicksFirstVideoStream(t *testing.T) {
	raw := `{
		"streams": [
			{"codec_name": "mjpeg", "codec_type": "video", "width": 320, "height": 240, "avg_frame_rate": "25/1"},
			{"codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720}
		],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "4.0"}
	}`
	info, err := parseProbeOutput([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "mjpeg", info.Codec)
	assert.Equal(t, 320, info.Width)
}

func TestParseProbeOutputDurationFromFormat(t *testing.T) {
	// Fragmented MP4s often carry no per-stream duration.
	raw := `{
		"streams": [
			{"codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720, "avg_frame_rate": "25/1"}
		],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "7.5"}
	}`
	info, err := parseProbeOutput([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 7.5, info.Duration)
}

func TestParseProbeOutputFrameRateFromSampleCount(t *testing.T) {
	raw := `{
		"streams": [
			{"codec_name": "h264", "codec_type": "video", "width": 640, "height": 360,
			 "nb_frames": "120", "avg_frame_rate": "0/0", "r_frame_rate": "0/0"}
		],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "4.0"}
	}`
	info, err := parseProbeOutput([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 30.0, info.FrameRate)
}

func TestParseProbeOutputNoVideoStream(t *testing.T) {
	raw := `{
		"streams": [{"codec_name": "mp3", "codec_type": "audio", "duration": "60.0"}],
		"format": {"format_name": "mp3", "duration": "60.0"}
	}`
	_, err := parseProbeOutput([]byte(raw))
	assert.ErrorContains(t, err, "no video stream")
}

func TestParseProbeOutputNoDuration(t *testing.T) {
	raw := `{
		"streams": [{"codec_name": "h264", "codec_type": "video", "width": 640, "height": 360}],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
	}`
	_, err := parseProbeOutput([]byte(raw))
	assert.ErrorContains(t, err, "duration")
}

func TestParseProbeOutputMalformedJSON(t *testing.T) {
	_, err := parseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}

func TestParseRational(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"30000/1001", 29.97002997002997},
		{"25/1", 25},
		{"25", 25},
		{"0.5", 0.5},
		{"0/0", 0},
		{"", 0},
		{" 24/1 ", 24},
		{"abc", 0},
		{"1/abc", 0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, parseRational(tc.in), 1e-9, "input %q", tc.in)
	}
}
