// Package engine is the frame-extraction core: a fast in-process pipeline
// (progressive container parsing, backpressured decoding, fixed-rate
// sampling, parallel still-image encoding) and a controller that degrades
// to a sequential fallback extractor when the fast path is unavailable or
// fails mid-stream.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/domain/port"
	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
)

// State of one extraction run.
type State int32

const (
	StateIdle State = iota
	StateAnalyzing
	StateReady
	StateExtractingFast
	StateExtractingFallback
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalyzing:
		return "analyzing"
	case StateReady:
		return "ready"
	case StateExtractingFast:
		return "extracting_fast"
	case StateExtractingFallback:
		return "extracting_fallback"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Result is a successful extraction outcome.
type Result struct {
	Video  entity.VideoInfo
	Images []entity.OutputImage
	Method string
}

// Controller selects between the fast and fallback extraction paths, wires
// progress through an internal path switch without surfacing it as an
// error, and maps cancellation to a distinguished outcome.
//
// Fast-path output and fallback output are never merged: their sampling
// semantics differ (timestamp threshold vs exact index), so any fast
// failure restarts the fallback from index zero.
type Controller struct {
	analyzer port.VideoAnalyzer
	fast     port.Extractor // nil when the fast path prerequisites are absent
	fallback port.Extractor
	log      *zap.Logger

	state atomic.Int32

	// OnStateChange, when set before Run, observes state transitions.
	OnStateChange func(State)
}

func NewController(analyzer port.VideoAnalyzer, fast, fallback port.Extractor, log *zap.Logger) *Controller {
	return &Controller{
		analyzer: analyzer,
		fast:     fast,
		fallback: fallback,
		log:      log,
	}
}

// State returns the most recent state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Run analyzes the video and extracts frames. It returns ErrCancelled when
// the context is cancelled; the caller must not report that as a failure.
// Repeated cancellation is harmless: the context API is idempotent and Run
// produces a single terminal outcome.
func (c *Controller) Run(
	ctx context.Context,
	videoPath string,
	settings entity.ExtractionSettings,
	progress port.ProgressFunc,
) (*Result, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c.setState(StateAnalyzing)
	info, err := c.analyzer.Analyze(ctx, videoPath)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(StateCancelled)
			return nil, ErrCancelled
		}
		c.setState(StateFailed)
		return nil, err
	}
	c.setState(StateReady)

	if c.fast != nil && c.FastEligible(*info) {
		c.setState(StateExtractingFast)
		images, err := c.fast.Extract(ctx, *info, videoPath, settings, progress)
		switch {
		case err == nil:
			c.setState(StateCompleted)
			return &Result{Video: *info, Images: images, Method: c.fast.Name()}, nil
		case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
			c.setState(StateCancelled)
			return nil, ErrCancelled
		default:
			// Silent internal retry: the caller observes the method label
			// change, not an error.
			c.log.Warn("fast extraction failed, restarting on fallback path",
				zap.Error(err),
				zap.String("video", videoPath),
			)
		}
	}

	c.setState(StateExtractingFallback)
	images, err := c.fallback.Extract(ctx, *info, videoPath, settings, progress)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			c.setState(StateCancelled)
			return nil, ErrCancelled
		}
		c.setState(StateFailed)
		return nil, err
	}
	c.setState(StateCompleted)
	return &Result{Video: *info, Images: images, Method: c.fallback.Name()}, nil
}

// FastEligible reports whether the fast path should be attempted for this
// input: the container family must be recognized and the codec family
// decodable. This is a heuristic, not a compatibility guarantee; the fast
// path can still fail and fall back mid-stream.
func (c *Controller) FastEligible(info entity.VideoInfo) bool {
	if !containerRecognized(info.Container) {
		return false
	}
	switch codec.FamilyOf(info.Codec) {
	case codec.FamilyAVC, codec.FamilyHEVC:
		return true
	}
	return false
}

// ISO base media container family names as ffprobe reports them.
func containerRecognized(container string) bool {
	for _, name := range strings.Split(container, ",") {
		switch strings.TrimSpace(name) {
		case "mp4", "mov", "m4a", "3gp", "3g2", "mj2":
			return true
		}
	}
	return false
}
