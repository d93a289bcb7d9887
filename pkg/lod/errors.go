package lod

import "fmt"

// SimplificationSubprocessError reports a tier worker that crashed, timed
// out or failed to produce a tier.
type SimplificationSubprocessError struct {
	ParticleID int
	// Tier is empty when the whole worker failed
	Tier   string
	Err    error
	Stderr string
}

func (e *SimplificationSubprocessError) Error() string {
	what := "tier worker"
	if e.Tier != "" {
		what = fmt.Sprintf("tier %s", e.Tier)
	}
	msg := fmt.Sprintf("particle %05d: %s failed: %v", e.ParticleID, what, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *SimplificationSubprocessError) Unwrap() error {
	return e.Err
}
