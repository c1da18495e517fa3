package interaction

import (
	goerrors "errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start when the interaction is already running.
	ErrAlreadyStarted = goerrors.New("interaction already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = goerrors.New("interaction stopped")

	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = goerrors.New("interaction not started")
)

// GenerationError reports a generator failure. It ends the interaction.
type GenerationError struct {
	Cycle     int
	Generator string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generator %s failed in cycle %d: %v", e.Generator, e.Cycle, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
