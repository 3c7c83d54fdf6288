package browser

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrNoActivePage is returned when an operation needs a browsing
	// context and the connection has none.
	ErrNoActivePage = errors.New("no active page")

	// ErrNavigation is the sentinel wrapped by NavigationError.
	ErrNavigation = errors.New("navigation failed")

	// ErrEval is the sentinel wrapped by EvalError.
	ErrEval = errors.New("script evaluation failed")

	// ErrEngineNotFound is returned when no engine binary could be
	// located and fetching is disabled.
	ErrEngineNotFound = errors.New("browser engine not found")
)

// NavigationError reports a failed navigation, either engine-reported or a
// missed load deadline.
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigating to %s: %s", e.URL, e.Reason)
}

func (e *NavigationError) Unwrap() error {
	return ErrNavigation
}

// EvalError reports a script expression that threw in page context.
type EvalError struct {
	Text string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("script exception: %s", e.Text)
}

func (e *EvalError) Unwrap() error {
	return ErrEval
}
