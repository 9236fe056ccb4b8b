package engine

import "errors"

// Failure classes of the fast extraction path. The controller matches on
// these with errors.Is to decide whether a fallback restart is warranted.
var (
	// ErrUnsupported means the fast path prerequisites are absent for this
	// input (container family or codec family not handled).
	ErrUnsupported = errors.New("fast path unsupported for input")

	// ErrConfiguration means the decoder could not be configured, e.g. a
	// codec that mandates out-of-band parameter sets had none in the container.
	ErrConfiguration = errors.New("decoder configuration failed")

	// ErrDecode means a compressed sample failed to decode. The whole attempt
	// fails fast: inter-frame prediction makes output after a skipped sample
	// untrustworthy.
	ErrDecode = errors.New("sample decode failed")

	// ErrParse means the container bytes are not a parseable ISO-BMFF structure.
	ErrParse = errors.New("container parse failed")

	// ErrEncodePool means the encoder worker pool failed systemically, not a
	// single unit. No further fallback exists below the sequential path.
	ErrEncodePool = errors.New("encoder pool failed")

	// ErrCancelled is the distinguished cancellation outcome. It is never
	// reported as a run failure.
	ErrCancelled = errors.New("extraction cancelled")
)
