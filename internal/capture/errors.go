package capture

import (
	"errors"
	"fmt"
)

// ErrIntegrity is the sentinel wrapped by IntegrityError.
var ErrIntegrity = errors.New("capture integrity check failed")

// IntegrityError reports a capture that succeeded at the protocol level but
// produced invalid or degenerate output.
type IntegrityError struct {
	Kind   string // "screenshot", "dom"
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s integrity: %s", e.Kind, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
