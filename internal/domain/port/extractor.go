package port

import (
	"context"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
)

// ProgressFunc reports extraction progress: fraction is 0-100.
type ProgressFunc func(fraction float64, current, total int)

// Extractor produces the ordered frame images for one extraction run.
// The fast in-process pipeline and the sequential seek-based fallback are
// both implementations of this contract; the controller picks between them.
type Extractor interface {
	// Name labels the extraction method, e.g. "fast" or "fallback".
	Name() string

	Extract(
		ctx context.Context,
		video entity.VideoInfo,
		videoPath string,
		settings entity.ExtractionSettings,
		progress ProgressFunc,
	) ([]entity.OutputImage, error)
}

// VideoAnalyzer derives VideoInfo from a media file on disk.
type VideoAnalyzer interface {
	Analyze(ctx context.Context, videoPath string) (*entity.VideoInfo, error)
}
