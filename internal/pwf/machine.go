// Package pwf holds the Park/StandBy/Warning/Flash mode rules and the lamp
// derivation that gates hazard lamps. It is pure logic: no I/O, no clocks,
// no logging. Callers own state and apply the results.
package pwf

import (
	"errors"
	"fmt"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid mode transition")

// TransitionError reports a rejected mode change. The current mode is unchanged.
type TransitionError struct {
	From shared.Mode
	To   shared.Mode
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var successors = map[shared.Mode][]shared.Mode{
	shared.ModePark:    {shared.ModeStandBy},
	shared.ModeStandBy: {shared.ModePark, shared.ModeWarning, shared.ModeFlash},
	shared.ModeWarning: {shared.ModeStandBy, shared.ModeFlash},
	shared.ModeFlash:   {shared.ModeWarning, shared.ModeStandBy},
}

// Successors returns the modes reachable from m in one step.
func Successors(m shared.Mode) []shared.Mode {
	out := make([]shared.Mode, len(successors[m]))
	copy(out, successors[m])
	return out
}

// CanTransition reports whether from -> to is in the allowed-successor table.
func CanTransition(from, to shared.Mode) bool {
	for _, next := range successors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AttemptTransition validates a requested mode change. On success it returns
// the requested mode; otherwise it returns from and a *TransitionError.
func AttemptTransition(from, to shared.Mode) (shared.Mode, error) {
	if !CanTransition(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}

// PermitsLamp reports whether lamps may be lit in m (Warning, Flash).
func PermitsLamp(m shared.Mode) bool {
	return m == shared.ModeWarning || m == shared.ModeFlash
}

// ForcesLampOff reports whether m holds every lamp off (Park, StandBy).
func ForcesLampOff(m shared.Mode) bool {
	return m == shared.ModePark || m == shared.ModeStandBy
}

// DeriveLampState computes the lamp for a channel. In Warning and Flash the
// lamp follows the button; in every other mode it is off. The previous lamp
// value never carries over.
func DeriveLampState(m shared.Mode, buttonPressed bool, _ shared.LampState) shared.LampState {
	if PermitsLamp(m) && buttonPressed {
		return shared.LampOn
	}
	return shared.LampOff
}
