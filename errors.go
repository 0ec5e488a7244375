package crontab

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNilHandler is returned when a nil *Handler is handed to the scheduler.
	ErrNilHandler = errors.New("handler is nil")

	// ErrNoNextOccurrence matches every *NoNextOccurrenceError via errors.Is.
	ErrNoNextOccurrence = errors.New("no next occurrence")

	// ErrActionExists is returned by Actions.Register if the name is already taken.
	ErrActionExists = errors.New("action already registered")

	// ErrUnknownAction is returned when a definition names an action that was never registered.
	ErrUnknownAction = errors.New("action not registered")

	// ErrDuplicateHandler is returned when two definitions share a name.
	ErrDuplicateHandler = errors.New("duplicate handler name")

	// ErrNoDefinitions is returned by Reloader.Reload when a Source that used to return definitions returns none.
	ErrNoDefinitions = errors.New("source returned no definitions")
)

// InvalidScheduleError reports a cron expression that could not be parsed or validated.
// It is returned synchronously by NewHandler and never raised from a tick.
type InvalidScheduleError struct {
	Spec string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Spec, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error {
	return e.Err
}

// NoNextOccurrenceError is returned by a due-check when the expression cannot match any instant after After.
// The scheduler treats it as recoverable: the handler is skipped and checked again on the next tick.
type NoNextOccurrenceError struct {
	Spec  string
	After time.Time
}

func (e *NoNextOccurrenceError) Error() string {
	return fmt.Sprintf("schedule %q has no occurrence after %s", e.Spec, e.After.Format(time.RFC3339))
}

func (e *NoNextOccurrenceError) Is(target error) bool {
	return target == ErrNoNextOccurrence
}

// HandlerActionError wraps a failure (or a recovered panic) raised by a handler's action.
type HandlerActionError struct {
	Handler string
	FiredAt time.Time
	Err     error
}

func (e *HandlerActionError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Handler, e.Err)
}

func (e *HandlerActionError) Unwrap() error {
	return e.Err
}
