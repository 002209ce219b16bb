package pipeline

// DefaultStartOffset is the number of leading events skipped by default.
const DefaultStartOffset int64 = 39

// RunConfig holds the run-level processing policy.
type RunConfig struct {
	// StartOffset is the ordinal of the first event processed. Events
	// before it are read past without producing records.
	StartOffset int64

	// StopOnRecoTrack ends the run right after flushing the first event in
	// which a reco jet had a DetectorTrack constituent. It is a debugging
	// aid for inspecting track-seeded jets and is off by default; production
	// runs should leave it disabled.
	StopOnRecoTrack bool

	// MaxEvents caps the number of flushed events (0 = unlimited).
	MaxEvents int64

	// Debug enables per-event, per-jet and per-constituent diagnostic lines.
	Debug bool
}

// DefaultRunConfig returns the default run policy.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		StartOffset:     DefaultStartOffset,
		StopOnRecoTrack: false,
		MaxEvents:       0,
		Debug:           false,
	}
}
