package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"

	ffmpeggo "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"github.com/disintegration/imaging"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/domain/port"
	"github.com/stillkit/stillkit-processing-service/internal/engine"
	"github.com/stillkit/stillkit-processing-service/internal/engine/encode"
)

// SeekExtractor is the slow-but-universal path: it seeks the source to each
// target timestamp in turn and grabs the frame rendered there. One to two
// orders of magnitude slower than the in-process pipeline on long or
// high-rate extractions, which is exactly why the fast path exists.
//
// Unlike the fast path's timestamp-threshold sampling, indices here are
// exact: frame i is taken at time i/fps, so a fault-free run produces
// exactly floor(duration*fps) images.
type SeekExtractor struct {
	log *zap.Logger
}

func NewSeekExtractor(log *zap.Logger) *SeekExtractor {
	return &SeekExtractor{log: log}
}

func (e *SeekExtractor) Name() string { return "fallback" }

func (e *SeekExtractor) Extract(
	ctx context.Context,
	video entity.VideoInfo,
	videoPath string,
	settings entity.ExtractionSettings,
	progress port.ProgressFunc,
) ([]entity.OutputImage, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(float64, int, int) {}
	}

	total := settings.TargetCount(video.Duration)
	if total < 1 {
		total = 1
	}
	outW, outH := settings.OutputDims(video.Width, video.Height)

	images := make([]entity.OutputImage, 0, total)
	for i := 0; i < total; i++ {
		// Strictly sequential: a playback position is single-state, and
		// cancellation is observed at every iteration.
		if err := ctx.Err(); err != nil {
			return nil, engine.ErrCancelled
		}

		targetTime := float64(i) / settings.FPS
		img, err := e.grabFrame(videoPath, targetTime)
		if err != nil {
			return nil, fmt.Errorf("grab frame %d at %.3fs: %w", i+1, targetTime, err)
		}

		resized := encode.Resize(img, outW, outH)
		data, err := encode.EncodeImage(resized, settings.Format, settings.Quality)
		if err != nil {
			// Per-unit failure: the sequence index is simply absent.
			e.log.Warn("frame encode failed, skipping",
				zap.Int("index", i+1),
				zap.Error(err),
			)
			continue
		}

		images = append(images, entity.OutputImage{Index: i + 1, Data: data})
		progress(100*float64(i+1)/float64(total), i+1, total)
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", videoPath)
	}
	return images, nil
}

// grabFrame decodes the single frame presented at the given time. The
// subprocess runs to completion before returning, so the grabbed frame is
// guaranteed to match the seek target rather than a stale position.
func (e *SeekExtractor) grabFrame(videoPath string, seconds float64) (image.Image, error) {
	buf := bytes.NewBuffer(nil)
	err := ffmpeggo.Input(videoPath, ffmpeggo.KwArgs{"ss": fmt.Sprintf("%.6f", seconds)}).
		Output("pipe:", ffmpeggo.KwArgs{
			"vframes": 1,
			"format":  "image2",
			"vcodec":  "mjpeg",
			"q:v":     2,
		}).
		WithOutput(buf).
		Silent(true).
		Run()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg seek: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output at %.3fs", seconds)
	}
	return imaging.Decode(buf)
}
