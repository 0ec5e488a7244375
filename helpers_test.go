package crontab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// fakeEvaluator understands "every <duration>" (fixed interval from the check time),
// "aligned <duration>" (next multiple of the duration) and "never" (no next occurrence).
type fakeEvaluator struct{}

func (fakeEvaluator) Parse(spec string) (Schedule, error) {
	kind, arg, _ := strings.Cut(spec, " ")
	switch kind {
	case "never":
		return &fakeSchedule{spec: spec}, nil
	case "every", "aligned":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return nil, err
		}
		return &fakeSchedule{spec: spec, period: d, aligned: kind == "aligned"}, nil
	}
	return nil, errors.New("unsupported spec")
}

type fakeSchedule struct {
	spec    string
	period  time.Duration
	aligned bool

	mu    sync.Mutex
	calls int
}

func (s *fakeSchedule) UntilNext(now time.Time) (time.Duration, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.period == 0 {
		return 0, &NoNextOccurrenceError{Spec: s.spec, After: now}
	}
	if s.aligned {
		return s.period - time.Duration(now.UnixNano()%int64(s.period)), nil
	}
	return s.period, nil
}

func (s *fakeSchedule) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recorder is an Action that counts firings.
type recorder struct {
	mu     sync.Mutex
	firing []Firing
	err    error
	panic  bool
}

func (r *recorder) Fire(ctx context.Context, f Firing) error {
	r.mu.Lock()
	r.firing = append(r.firing, f)
	r.mu.Unlock()
	if r.panic {
		panic("boom")
	}
	return r.err
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.firing)
}

func (r *recorder) Last() Firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firing[len(r.firing)-1]
}

func newTestHandler(t *testing.T, name, spec string, action Action) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{
		Name:      name,
		Enabled:   true,
		Spec:      spec,
		Action:    action,
		Evaluator: fakeEvaluator{},
	})
	require.NoError(t, err)
	return h
}

// newTestScheduler returns a running scheduler on a mock clock whose ticker never fires on its own.
// It waits for the initial tick so tests can drive ticks deterministically.
func newTestScheduler(t *testing.T, config Config) (*Scheduler, *clock.Mock) {
	t.Helper()

	mock, ok := config.Clock.(*clock.Mock)
	if !ok {
		mock = clock.NewMock()
		config.Clock = mock
	}
	if config.Period == 0 {
		config.Period = time.Hour
	}

	s, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})

	waitForTicks(t, s, 1)
	return s, mock
}

func waitForTicks(t *testing.T, s *Scheduler, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.ticks.Load() >= n
	}, 2*time.Second, time.Millisecond, "scheduler did not reach %d ticks", n)
}
