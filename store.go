package crontab

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Source loads handler definitions, e.g. from a file or a database.
//
// Implementations must be safe for concurrent use; Load may be called from a Reloader's
// background loop and from a file watcher at the same time.
type Source interface {
	// Load returns the complete set of definitions. Names must be unique.
	Load(ctx context.Context) ([]Definition, error)
}

// ReloaderConfig holds the configuration for a Reloader.
type ReloaderConfig struct {
	// Scheduler receives the handler sets. Required.
	Scheduler *Scheduler

	// Source provides the definitions. Required.
	Source Source

	// Actions resolves definition action names. Required.
	Actions *Actions

	// Evaluator parses definition specs. Default: DefaultEvaluator
	Evaluator Evaluator

	// Interval is the time between two reloads in Run.
	// Default: 1 minute
	Interval time.Duration

	// MaxElapsedTime bounds the retries of a failing Source.Load.
	// Default: 30 seconds
	MaxElapsedTime time.Duration

	// AllowEmpty lets an empty set of definitions clear the scheduler. By default an empty load that follows a
	// non-empty one is treated as a failed load (ErrNoDefinitions), e.g. a file truncated while being saved.
	AllowEmpty bool

	// Logger receives structured diagnostics. Default: no logging.
	Logger *zerolog.Logger
}

// Reloader keeps a Scheduler's handler set in sync with a Source.
type Reloader struct {
	config ReloaderConfig
	log    zerolog.Logger

	mu   sync.Mutex
	last []Definition
}

// NewReloader creates a Reloader with the given configuration.
func NewReloader(config ReloaderConfig) (*Reloader, error) {
	if config.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if config.Source == nil {
		return nil, errors.New("source is required")
	}
	if config.Actions == nil {
		return nil, errors.New("actions are required")
	}

	// Set defaults
	if config.Evaluator == nil {
		config.Evaluator = DefaultEvaluator
	}
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.MaxElapsedTime == 0 {
		config.MaxElapsedTime = 30 * time.Second
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	return &Reloader{
		config: config,
		log:    log.With().Str("component", "crontab-reloader").Logger(),
	}, nil
}

// Reload loads the definitions and swaps them into the scheduler.
//
// Load failures are retried with exponential backoff, and so is an empty load after a non-empty one unless
// AllowEmpty is set. Invalid definitions are not retried and leave the scheduler untouched.
// An unchanged set of definitions is not swapped in again.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var defs []Definition
	load := func() error {
		var err error
		defs, err = r.config.Source.Load(ctx)
		if err == nil && len(defs) == 0 && len(r.last) > 0 && !r.config.AllowEmpty {
			err = ErrNoDefinitions
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("loading definitions failed")
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = r.config.MaxElapsedTime
	if err := backoff.Retry(load, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}

	if r.last != nil && reflect.DeepEqual(r.last, defs) {
		r.log.Debug().Int("definitions", len(defs)).Msg("definitions unchanged")
		return nil
	}

	handlers, err := r.config.Actions.Build(defs, r.config.Evaluator)
	if err != nil {
		return fmt.Errorf("invalid definitions: %w", err)
	}
	if err := r.config.Scheduler.Replace(handlers...); err != nil {
		return fmt.Errorf("failed to replace handlers: %w", err)
	}

	r.last = defs
	r.log.Info().Int("handlers", len(handlers)).Msg("handlers reloaded")
	return nil
}

// Run reloads right away and then every Interval until ctx is done.
// Failed reloads are logged and retried at the next interval.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := r.config.Scheduler.clock.Ticker(r.config.Interval)
	defer ticker.Stop()

	for {
		if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("reload failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
