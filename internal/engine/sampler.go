package engine

// DefaultTolerance compensates for non-uniform frame timing in real encodes.
// A hard >= interval comparison would systematically under-sample when
// consecutive source frame intervals jitter below nominal.
const DefaultTolerance = 0.9

// RateSampler thins a decoded frame stream down to a target rate. It is an
// online, single-pass filter: it keeps a frame when enough presentation time
// has elapsed since the last kept frame, and never revisits a decision.
type RateSampler struct {
	interval  float64 // microseconds between kept frames
	tolerance float64
	lastKept  int64
	kept      int
}

// NewRateSampler creates a sampler for the given target rate in frames per
// second. Tolerance outside (0,1] falls back to DefaultTolerance.
func NewRateSampler(fps, tolerance float64) *RateSampler {
	if tolerance <= 0 || tolerance > 1 {
		tolerance = DefaultTolerance
	}
	interval := 1e6 / fps
	return &RateSampler{
		interval:  interval,
		tolerance: tolerance,
		lastKept:  -int64(interval),
	}
}

// Keep decides whether the frame at the given presentation timestamp
// (microseconds) should be kept. Timestamps must arrive in presentation order.
func (s *RateSampler) Keep(pts int64) bool {
	if float64(pts-s.lastKept) >= s.interval*s.tolerance {
		s.lastKept = pts
		s.kept++
		return true
	}
	return false
}

// Kept returns how many frames have been kept so far.
func (s *RateSampler) Kept() int {
	return s.kept
}
