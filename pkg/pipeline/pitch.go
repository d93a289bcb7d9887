package pipeline

import (
	"github.com/pkg/errors"

	"grainmesh/pkg/volume"
)

// Pitch sources, in the order they are consulted.
const (
	PitchFromFlag      = "flag"
	PitchFromHeader    = "header"
	PitchFromCompanion = "companion"
	PitchFromPrompt    = "prompt"
	PitchUnset         = "unset"
)

// PromptFunc asks the user for a pitch; ok is false when nothing was given.
type PromptFunc func() (pitch float64, ok bool, err error)

// ResolvePitch picks the voxel pitch: explicit value, then the volume
// header, then the companion JSON next to input, then prompt. Without any
// of them the pitch is 1 and properties stay in voxel units.
func ResolvePitch(explicit float64, vol *volume.Volume, input string, prompt PromptFunc) (float64, string, error) {
	if explicit > 0 {
		return explicit, PitchFromFlag, nil
	}
	if vol != nil && vol.Pitch > 0 {
		return vol.Pitch, PitchFromHeader, nil
	}
	if input != "" {
		p, err := volume.CompanionPitch(input)
		if err != nil {
			return 0, "", err
		}
		if p > 0 {
			return p, PitchFromCompanion, nil
		}
	}
	if prompt != nil {
		p, ok, err := prompt()
		if err != nil {
			return 0, "", errors.Wrap(err, "read voxel size")
		}
		if ok {
			if p <= 0 {
				return 0, "", errors.Errorf("voxel size must be positive, got %g", p)
			}
			return p, PitchFromPrompt, nil
		}
	}
	return 1, PitchUnset, nil
}
