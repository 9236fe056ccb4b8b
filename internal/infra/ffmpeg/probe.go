package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	ffmpeggo "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
)

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Duration     string `json:"duration,omitempty"`
	NbFrames     string `json:"nb_frames,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// Prober analyzes source files with ffprobe. It implements
// port.VideoAnalyzer.
type Prober struct {
	log *zap.Logger
}

func NewProber(log *zap.Logger) *Prober {
	return &Prober{log: log}
}

func (p *Prober) Analyze(ctx context.Context, videoPath string) (*entity.VideoInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := ffmpeggo.Probe(videoPath)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", videoPath, err)
	}

	info, err := parseProbeOutput([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", videoPath, err)
	}

	p.log.Info("video analyzed",
		zap.String("path", videoPath),
		zap.String("codec", info.Codec),
		zap.String("container", info.Container),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("duration", info.Duration),
		zap.Float64("frame_rate", info.FrameRate),
	)
	return info, nil
}

func parseProbeOutput(raw []byte) (*entity.VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	var video *probeStream
	for i := range out.Streams {
		if out.Streams[i].CodecType == "video" {
			video = &out.Streams[i]
			break
		}
	}
	if video == nil {
		return nil, fmt.Errorf("no video stream found")
	}

	duration, _ := strconv.ParseFloat(video.Duration, 64)
	if duration <= 0 {
		duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("video has no usable duration")
	}

	sampleCount := 0
	if n, err := strconv.Atoi(video.NbFrames); err == nil {
		sampleCount = n
	}

	frameRate := parseRational(video.AvgFrameRate)
	if frameRate <= 0 {
		frameRate = parseRational(video.RFrameRate)
	}
	if frameRate <= 0 && sampleCount > 0 {
		frameRate = float64(sampleCount) / duration
	}

	return &entity.VideoInfo{
		Width:       video.Width,
		Height:      video.Height,
		Duration:    duration,
		SampleCount: sampleCount,
		FrameRate:   frameRate,
		Codec:       video.CodecName,
		Container:   out.Format.FormatName,
	}, nil
}

// parseRational parses ffprobe frame-rate strings like "30000/1001" or "25".
// "0/0" (no rate known) yields 0.
func parseRational(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
