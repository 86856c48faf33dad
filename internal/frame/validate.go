package frame

import (
	"fmt"

	serrors "github.com/slithernet/serpent/internal/errors"
)

// Validator checks structural and numeric-range validity of a frame.
// Checks run in a fixed order and short-circuit on the first failure.
// Validation has no side effects: a rejected frame is simply dropped and
// counted by the caller.
type Validator struct {
	// MaxVelocity is the highest accepted velocity in game units/second.
	MaxVelocity float64

	// MinGameRadius and MaxGameRadius bound the accepted radius band.
	// Only enforced when the frame reports a radius.
	MinGameRadius float64
	MaxGameRadius float64
}

// Validate returns nil if the frame is acceptable, or a rejection error
// describing the first failed check.
func (v Validator) Validate(f *Frame) error {
	if f == nil {
		return fmt.Errorf("%w: frame", serrors.ErrMissingField)
	}

	// Required sub-blocks, checked in the order clients are told about them.
	if f.Grid == nil {
		return fmt.Errorf("%w: grid", serrors.ErrMissingField)
	}
	if f.GridMeta == nil {
		return fmt.Errorf("%w: gridMeta", serrors.ErrMissingField)
	}
	if f.Metadata == nil {
		return fmt.Errorf("%w: metadata", serrors.ErrMissingField)
	}
	if f.PlayerInput == nil {
		return fmt.Errorf("%w: playerInput", serrors.ErrMissingField)
	}
	if f.Validation == nil {
		return fmt.Errorf("%w: validation", serrors.ErrMissingField)
	}

	// Grid payload must match the shape the frame itself declares.
	if expected := f.GridMeta.Elems(); len(f.Grid) != expected {
		return fmt.Errorf("%w: expected %d, got %d",
			serrors.ErrGridSizeMismatch, expected, len(f.Grid))
	}

	if f.Metadata.Velocity > v.MaxVelocity {
		return fmt.Errorf("%w: %v > %v",
			serrors.ErrVelocityTooHigh, f.Metadata.Velocity, v.MaxVelocity)
	}

	if r := f.Metadata.GameRadius; r != nil {
		if *r < v.MinGameRadius || *r > v.MaxGameRadius {
			return fmt.Errorf("%w: %v outside [%v, %v]",
				serrors.ErrRadiusOutOfRange, *r, v.MinGameRadius, v.MaxGameRadius)
		}
	}

	if f.Metadata.DistanceToBorder < 0 {
		return fmt.Errorf("%w: %v",
			serrors.ErrNegativeDistance, f.Metadata.DistanceToBorder)
	}

	return nil
}
