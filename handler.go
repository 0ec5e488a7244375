package crontab

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Firing describes one activation of a handler.
type Firing struct {
	// Handler is the name of the handler that fired.
	Handler string

	// Data is the handler's payload. It is shared with the handler, not copied.
	Data map[string]interface{}

	// At is the poll time at which the handler was found due.
	At time.Time
}

// Action is the work a handler performs when it fires.
type Action interface {
	Fire(ctx context.Context, f Firing) error
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context, f Firing) error

// Fire calls fn(ctx, f).
func (fn ActionFunc) Fire(ctx context.Context, f Firing) error {
	return fn(ctx, f)
}

// HandlerConfig holds the configuration for a Handler.
type HandlerConfig struct {
	// Name identifies the handler inside a scheduler. Required.
	Name string

	// Enabled must be true for the handler to fire. The zero value keeps it registered but silent.
	Enabled bool

	// Spec is the cron expression, e.g. "0 */5 * * * *", "@hourly" or "@every 30s". Required.
	Spec string

	// Data is an opaque payload handed to Action on every firing.
	Data map[string]interface{}

	// Action runs when the handler fires. Required.
	Action Action

	// Evaluator parses Spec. Default: DefaultEvaluator.
	Evaluator Evaluator
}

// Handler is one schedule entry: a cron expression, a countdown to its next occurrence and an action.
//
// The countdown is decremented by the time elapsed between due-checks instead of comparing the wall clock
// against an absolute next-run timestamp, so irregular polling only delays a firing by at most one poll period
// and the evaluator is queried once per firing rather than once per poll.
//
// A Handler is not safe for concurrent use. Once registered with a Scheduler it must only be touched through
// the Scheduler; mutating it directly while registered is undefined behaviour.
type Handler struct {
	name     string
	enabled  bool
	spec     string
	data     map[string]interface{}
	action   Action
	schedule Schedule

	lastCheckedAt time.Time
	untilDue      time.Duration
	armed         bool

	// armedAt is when the current countdown was started; fired is set once it has run out.
	armedAt time.Time
	fired   bool
}

// NewHandler validates cfg and returns a handler with an uninitialized countdown.
// An unparsable Spec fails with *InvalidScheduleError.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("handler name is required")
	}
	if cfg.Action == nil {
		return nil, errors.New("handler action is required")
	}

	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = DefaultEvaluator
	}

	schedule, err := evaluator.Parse(cfg.Spec)
	if err != nil {
		var invalid *InvalidScheduleError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &InvalidScheduleError{Spec: cfg.Spec, Err: err}
	}

	return &Handler{
		name:     cfg.Name,
		enabled:  cfg.Enabled,
		spec:     cfg.Spec,
		data:     cfg.Data,
		action:   cfg.Action,
		schedule: schedule,
	}, nil
}

// Name returns the registry key of the handler.
func (h *Handler) Name() string { return h.name }

// Spec returns the cron expression the handler was built from.
func (h *Handler) Spec() string { return h.spec }

// Enabled reports whether the handler may fire.
func (h *Handler) Enabled() bool { return h.enabled }

// Data returns the payload handed to the action. It is not copied.
func (h *Handler) Data() map[string]interface{} { return h.data }

// LastCheckedAt returns the time of the previous due-check, if any.
func (h *Handler) LastCheckedAt() (time.Time, bool) {
	return h.lastCheckedAt, !h.lastCheckedAt.IsZero()
}

// UntilDue returns the remaining countdown. ok is false while the countdown is uninitialized.
func (h *Handler) UntilDue() (d time.Duration, ok bool) {
	return h.untilDue, h.armed
}

// SetEnabled toggles the handler. Use Scheduler.SetEnabled for registered handlers.
func (h *Handler) SetEnabled(enabled bool) {
	h.enabled = enabled
}

// IsDue advances the countdown to now and reports whether the handler should fire.
//
// The first check after construction (or after being disabled) only arms the countdown and never fires.
// When the countdown reaches zero it is rearmed from a fresh evaluator query at now before true is returned,
// so a failing action can never leave the countdown expired.
func (h *Handler) IsDue(now time.Time) (bool, error) {
	if !h.enabled {
		h.reset()
		return false, nil
	}

	if !h.armed {
		return false, h.arm(now)
	}

	elapsed := now.Sub(h.lastCheckedAt)
	h.lastCheckedAt = now
	h.untilDue -= elapsed

	if h.untilDue > 0 {
		return false, nil
	}

	next, err := h.schedule.UntilNext(now)
	if err != nil {
		// retried from scratch on the next check
		h.reset()
		return false, err
	}
	h.untilDue = next
	h.fired = true
	return true, nil
}

// Handle runs the handler's action for a firing at firedAt.
func (h *Handler) Handle(ctx context.Context, firedAt time.Time) error {
	return h.action.Fire(ctx, Firing{
		Handler: h.name,
		Data:    h.data,
		At:      firedAt,
	})
}

func (h *Handler) arm(now time.Time) error {
	next, err := h.schedule.UntilNext(now)
	if err != nil {
		return err
	}
	h.untilDue = next
	h.lastCheckedAt = now
	h.armed = true
	h.armedAt = now
	h.fired = false
	return nil
}

func (h *Handler) reset() {
	h.lastCheckedAt = time.Time{}
	h.untilDue = 0
	h.armed = false
	h.armedAt = time.Time{}
	h.fired = false
}

// armedSince reports whether h is still on the first countdown it started at or after t.
func (h *Handler) armedSince(t time.Time) bool {
	return h.armed && !h.fired && !h.armedAt.Before(t)
}

// inherit moves the countdown of a replaced handler into h.
func (h *Handler) inherit(from *Handler) {
	h.lastCheckedAt = from.lastCheckedAt
	h.untilDue = from.untilDue
	h.armed = from.armed
	h.armedAt = from.armedAt
	h.fired = from.fired
}
