package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func secs(s float64) int64 {
	return int64(s * 1e6)
}

func TestRateSamplerKeepsFirstFrame(t *testing.T) {
	s := NewRateSampler(1, DefaultTolerance)
	assert.True(t, s.Keep(secs(0)), "frame at t=0 must always be kept")
	assert.Equal(t, 1, s.Kept())
}

func TestRateSamplerOneFPSOnThirtyFPSInput(t *testing.T) {
	// 30fps source sampled at 1fps with strict tolerance: one keep per
	// second, ten keeps over ten seconds.
	s := NewRateSampler(1, 1.0)

	kept := 0
	for i := 0; i < 300; i++ {
		if s.Keep(secs(float64(i) / 30)) {
			kept++
		}
	}
	assert.Equal(t, 10, kept)
}

func TestRateSamplerSourceSlowerThanTarget(t *testing.T) {
	// 2fps source sampled at 10fps: every decoded frame is kept, no
	// duplicates are invented.
	s := NewRateSampler(10, DefaultTolerance)

	kept := 0
	for i := 0; i < 20; i++ {
		if s.Keep(secs(float64(i) / 2)) {
			kept++
		}
	}
	assert.Equal(t, 20, kept)
}

func TestRateSamplerToleranceAcceptsNearInterval(t *testing.T) {
	// With tolerance 0.9 a frame arriving slightly before the nominal 1s
	// interval is still kept.
	s := NewRateSampler(1, 0.9)
	assert.True(t, s.Keep(secs(0)))
	assert.False(t, s.Keep(secs(0.5)))
	assert.True(t, s.Keep(secs(0.95)))
}

func TestRateSamplerStrictToleranceRejectsEarlyFrame(t *testing.T) {
	s := NewRateSampler(1, 1.0)
	assert.True(t, s.Keep(secs(0)))
	assert.False(t, s.Keep(secs(0.95)))
	assert.True(t, s.Keep(secs(1.0)))
}

func TestRateSamplerFractionalRate(t *testing.T) {
	// 0.5 fps keeps one frame every 2 seconds.
	s := NewRateSampler(0.5, 1.0)

	kept := 0
	for i := 0; i < 10; i++ {
		if s.Keep(secs(float64(i))) {
			kept++
		}
	}
	assert.Equal(t, 5, kept)
}

func TestRateSamplerThresholdAdvancesFromKeptFrame(t *testing.T) {
	// The next threshold is measured from the kept frame's timestamp, not
	// from a fixed grid, so an early accepted frame pushes the following
	// acceptance point earlier too.
	s := NewRateSampler(1, 0.9)
	assert.True(t, s.Keep(secs(0)))
	assert.True(t, s.Keep(secs(0.95)))
	assert.False(t, s.Keep(secs(1.80)))
	assert.True(t, s.Keep(secs(1.90)))
	assert.Equal(t, 3, s.Kept())
}
