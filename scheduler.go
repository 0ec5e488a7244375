package crontab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultPeriod is the default time between two ticks.
const DefaultPeriod = time.Second

// Config holds the configuration for a Scheduler.
type Config struct {
	// Period is the time between two ticks.
	// Default: DefaultPeriod
	Period time.Duration

	// Clock provides the current time and the ticker.
	// Default: the real clock
	Clock clock.Clock

	// Logger receives structured diagnostics. Default: no logging.
	Logger *zerolog.Logger

	// CarryOver decides whether a replaced handler's countdown moves into its successor.
	// Default: CarryOverPending
	CarryOver CarryOverPolicy

	// Event Handlers (all optional)

	// Setup is called before the first tick, typically to register the initial handlers.
	Setup func(s *Scheduler) error

	// OnError is called for every error contained inside a tick or a replace transaction.
	OnError func(ctx context.Context, err error)

	// OnStop is called once the last tick has completed.
	OnStop func(ctx context.Context) error
}

// Scheduler polls a registry of named handlers at a fixed rate and fires those that are due.
//
// Ticks and every registry operation are serialized by one mutex, so handlers are never checked concurrently
// and the registry can be mutated while the scheduler runs. Actions run inside the tick while that mutex is
// held; an action must not call back into its Scheduler synchronously.
type Scheduler struct {
	config Config
	clock  clock.Clock
	log    zerolog.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
	pending  *Replacement

	// State tracking
	running atomic.Bool
	ticking atomic.Bool
	ticks   atomic.Uint64

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	ticker   *clock.Ticker
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Scheduler and starts ticking right away.
// Returns an error if the configuration is invalid or Setup fails.
func New(config Config) (*Scheduler, error) {
	if config.Period < 0 {
		return nil, fmt.Errorf("period must not be negative, got %v", config.Period)
	}

	// Set defaults
	if config.Period == 0 {
		config.Period = DefaultPeriod
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.CarryOver == nil {
		config.CarryOver = CarryOverPending
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	s := &Scheduler{
		config:   config,
		clock:    config.Clock,
		log:      log.With().Str("component", "crontab").Logger(),
		handlers: make(map[string]*Handler),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stop = make(chan struct{})

	if config.Setup != nil {
		if err := config.Setup(s); err != nil {
			s.cancel()
			return nil, fmt.Errorf("setup failed: %w", err)
		}
	}

	s.running.Store(true)
	s.ticker = s.clock.Ticker(config.Period)

	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("period", config.Period).Int("handlers", len(s.handlers)).Msg("scheduler started")
	return s, nil
}

// Stop stops the ticker and waits for an in-flight tick to finish.
// No tick starts after Stop has been called. It's safe to call Stop multiple times.
//
// The context handed to actions is cancelled once the drain completes, or as soon as ctx is done if the
// in-flight tick outlives it.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		// Signal shutdown
		s.running.Store(false)
		close(s.stop)
		defer s.cancel()

		// Wait for the current tick to complete
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		s.log.Info().Uint64("ticks", s.ticks.Load()).Msg("scheduler stopped")

		if s.config.OnStop != nil {
			if stopErr := s.config.OnStop(context.Background()); stopErr != nil {
				err = fmt.Errorf("OnStop handler failed: %w", stopErr)
			}
		}
	})
	return err
}

// IsRunning returns true until Stop is called.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// IsTicking returns true while a tick is evaluating handlers.
func (s *Scheduler) IsTicking() bool {
	return s.ticking.Load()
}

// AddHandler registers h under its name, replacing any handler with the same name.
func (s *Scheduler) AddHandler(h *Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[h.name] = h
	s.log.Debug().Str("handler", h.name).Str("spec", h.spec).Bool("enabled", h.enabled).Msg("handler added")
	return nil
}

// RemoveHandler unregisters and returns the handler called name.
// ok is false if there was none.
func (s *Scheduler) RemoveHandler(name string) (h *Handler, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok = s.handlers[name]
	if !ok {
		return nil, false
	}
	delete(s.handlers, name)
	s.log.Debug().Str("handler", name).Msg("handler removed")
	return h, true
}

// ClearHandlers unregisters every active handler.
func (s *Scheduler) ClearHandlers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug().Int("handlers", len(s.handlers)).Msg("clearing handlers")
	s.handlers = make(map[string]*Handler)
}

// Handler returns the registered handler called name.
func (s *Scheduler) Handler(name string) (*Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handlers[name]
	return h, ok
}

// Handlers returns a detached copy of the registry.
// Changing the map does not affect the scheduler, but the handlers in it are the registered ones.
func (s *Scheduler) Handlers() map[string]*Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers := make(map[string]*Handler, len(s.handlers))
	for name, h := range s.handlers {
		handlers[name] = h
	}
	return handlers
}

// SetEnabled toggles a registered handler. A re-enabled handler restarts its interval.
// Returns false if no handler is called name.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handlers[name]
	if !ok {
		return false
	}
	h.SetEnabled(enabled)
	s.log.Debug().Str("handler", name).Bool("enabled", enabled).Msg("handler toggled")
	return true
}

// run is the polling loop.
func (s *Scheduler) run() {
	defer s.wg.Done()
	defer s.ticker.Stop()

	// first tick right away, the ticker takes over from there
	s.tick()

	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

// tick evaluates every active handler once.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return
	}

	s.ticking.Store(true)
	defer s.ticking.Store(false)

	s.checkLocked(s.clock.Now(), s.handlers)
	s.ticks.Add(1)
}

// checkLocked runs one due-check pass over handlers and returns the names of those that fired.
// A failing handler never stops the pass. Call with s.mu held.
func (s *Scheduler) checkLocked(now time.Time, handlers map[string]*Handler) map[string]bool {
	fired := make(map[string]bool)
	for name, h := range handlers {
		due, err := h.IsDue(now)
		if err != nil {
			s.handleError(fmt.Errorf("due-check of handler %q: %w", name, err))
			continue
		}
		if !due {
			continue
		}

		fired[name] = true
		if err := s.fire(h, now); err != nil {
			s.handleError(err)
		}
	}
	return fired
}

// fire runs h's action, converting a panic into a *HandlerActionError.
func (s *Scheduler) fire(h *Handler, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerActionError{Handler: h.name, FiredAt: now, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := s.clock.Now()
	if err := h.Handle(s.ctx, now); err != nil {
		return &HandlerActionError{Handler: h.name, FiredAt: now, Err: err}
	}
	s.log.Debug().Str("handler", h.name).Time("at", now).Dur("took", s.clock.Since(start)).Msg("handler fired")
	return nil
}

// handleError logs err and calls the OnError handler if configured.
func (s *Scheduler) handleError(err error) {
	var actionErr *HandlerActionError
	switch {
	case errors.As(err, &actionErr):
		s.log.Error().Err(err).Str("handler", actionErr.Handler).Msg("handler action failed")
	case errors.Is(err, ErrNoNextOccurrence):
		s.log.Warn().Err(err).Msg("handler skipped")
	default:
		s.log.Error().Err(err).Msg("scheduler error")
	}

	if s.config.OnError != nil {
		s.config.OnError(s.ctx, err)
	}
}
