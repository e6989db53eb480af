package facts

import (
	"errors"
	"fmt"
)

// ErrMissingFact is the sentinel matched by MissingFactError.
var ErrMissingFact = errors.New("missing fact")

// MissingFactError reports a fact that could not be resolved for this event:
// either no function is registered under Name, or the function found no
// value (for example an amount fact on an event without an amount).
type MissingFactError struct {
	Name   string
	Reason string
}

func (e *MissingFactError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("missing fact %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("missing fact %q", e.Name)
}

// Is makes errors.Is(err, ErrMissingFact) match.
func (e *MissingFactError) Is(target error) bool {
	return target == ErrMissingFact
}

// IsMissingFact reports whether err is a missing-fact condition.
func IsMissingFact(err error) bool {
	return errors.Is(err, ErrMissingFact)
}

func missing(name, reason string) error {
	return &MissingFactError{Name: name, Reason: reason}
}
