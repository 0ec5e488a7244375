package crontab

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ParseOptions are the cron fields accepted by CronEvaluator.
// SecondOptional allows both 5-field and 6-field (with seconds) specs, Descriptor enables "@hourly", "@every 5m", ...
const ParseOptions = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// DefaultEvaluator is used by NewHandler when HandlerConfig.Evaluator is nil.
// It evaluates expressions in the location of the time it is given.
var DefaultEvaluator Evaluator = NewCronEvaluator(nil)

// Evaluator parses and validates recurrence expressions.
type Evaluator interface {
	// Parse returns the schedule for spec, or an error describing why spec is invalid.
	Parse(spec string) (Schedule, error)
}

// Schedule is a parsed recurrence expression.
type Schedule interface {
	// UntilNext returns the time from now to the next occurrence strictly after now.
	// It fails with *NoNextOccurrenceError if there is none.
	UntilNext(now time.Time) (time.Duration, error)
}

// CronEvaluator is an Evaluator backed by github.com/robfig/cron/v3.
type CronEvaluator struct {
	parser cron.Parser
	loc    *time.Location
}

// NewCronEvaluator returns an evaluator that computes occurrences in loc.
// A nil loc keeps the location of the instant being evaluated.
// Specs may still override it with a "CRON_TZ=" prefix.
func NewCronEvaluator(loc *time.Location) *CronEvaluator {
	return &CronEvaluator{
		parser: cron.NewParser(ParseOptions),
		loc:    loc,
	}
}

// Parse implements Evaluator.
func (e *CronEvaluator) Parse(spec string) (Schedule, error) {
	schedule, err := e.parser.Parse(spec)
	if err != nil {
		return nil, &InvalidScheduleError{Spec: spec, Err: err}
	}
	return &cronSchedule{spec: spec, schedule: schedule, loc: e.loc}, nil
}

type cronSchedule struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
}

func (s *cronSchedule) UntilNext(now time.Time) (time.Duration, error) {
	at := now
	if s.loc != nil {
		at = now.In(s.loc)
	}

	// robfig returns the zero time when nothing matches within its search horizon
	next := s.schedule.Next(at)
	if next.IsZero() || !next.After(now) {
		return 0, &NoNextOccurrenceError{Spec: s.spec, After: now}
	}
	return next.Sub(now), nil
}
