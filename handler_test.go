package crontab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewHandler(t *testing.T) {
	action := &recorder{}

	t.Run("requires name", func(t *testing.T) {
		_, err := NewHandler(HandlerConfig{Spec: "@hourly", Action: action})
		assert.Error(t, err)
	})

	t.Run("requires action", func(t *testing.T) {
		_, err := NewHandler(HandlerConfig{Name: "a", Spec: "@hourly"})
		assert.Error(t, err)
	})

	t.Run("fails fast on invalid spec", func(t *testing.T) {
		_, err := NewHandler(HandlerConfig{Name: "a", Spec: "not a cron", Action: action})

		var invalid *InvalidScheduleError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "not a cron", invalid.Spec)
	})

	t.Run("wraps custom evaluator errors", func(t *testing.T) {
		_, err := NewHandler(HandlerConfig{Name: "a", Spec: "bogus", Action: action, Evaluator: fakeEvaluator{}})

		var invalid *InvalidScheduleError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("defers countdown to first check", func(t *testing.T) {
		h, err := NewHandler(HandlerConfig{
			Name:    "a",
			Enabled: true,
			Spec:    "*/5 * * * * *",
			Data:    map[string]interface{}{"k": "v"},
			Action:  action,
		})
		require.NoError(t, err)

		assert.Equal(t, "a", h.Name())
		assert.Equal(t, "*/5 * * * * *", h.Spec())
		assert.True(t, h.Enabled())
		assert.Equal(t, "v", h.Data()["k"])

		_, armed := h.UntilDue()
		assert.False(t, armed)
		_, checked := h.LastCheckedAt()
		assert.False(t, checked)
	})
}

func TestHandler_IsDue(t *testing.T) {
	t.Run("disabled never fires and stays uninitialized", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1s", &recorder{})
		h.SetEnabled(false)

		for i := 0; i < 5; i++ {
			due, err := h.IsDue(t0.Add(time.Duration(i) * time.Second))
			require.NoError(t, err)
			assert.False(t, due)

			_, armed := h.UntilDue()
			assert.False(t, armed)
			_, checked := h.LastCheckedAt()
			assert.False(t, checked)
		}
	})

	t.Run("first check arms without firing", func(t *testing.T) {
		h := newTestHandler(t, "a", "aligned 10s", &recorder{})

		due, err := h.IsDue(t0.Add(3 * time.Second))
		require.NoError(t, err)
		assert.False(t, due)

		d, armed := h.UntilDue()
		require.True(t, armed)
		assert.Equal(t, 7*time.Second, d)

		last, ok := h.LastCheckedAt()
		require.True(t, ok)
		assert.Equal(t, t0.Add(3*time.Second), last)
	})

	t.Run("same instant is idempotent", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1s", &recorder{})

		_, err := h.IsDue(t0)
		require.NoError(t, err)
		now := t0.Add(999 * time.Millisecond)
		for i := 0; i < 10; i++ {
			due, err := h.IsDue(now)
			require.NoError(t, err)
			assert.False(t, due)
		}
		d, _ := h.UntilDue()
		assert.Equal(t, time.Millisecond, d)
	})

	t.Run("decrements by exact elapsed time", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1h", &recorder{})

		_, err := h.IsDue(t0)
		require.NoError(t, err)

		now1 := t0.Add(1234 * time.Millisecond)
		now2 := now1.Add(17*time.Minute + 3*time.Microsecond)

		_, err = h.IsDue(now1)
		require.NoError(t, err)
		d1, _ := h.UntilDue()
		assert.Equal(t, time.Hour-now1.Sub(t0), d1)

		_, err = h.IsDue(now2)
		require.NoError(t, err)
		d2, _ := h.UntilDue()
		assert.Equal(t, d1-now2.Sub(now1), d2)
		assert.Equal(t, time.Hour-now2.Sub(t0), d2)
	})

	t.Run("rearms from a fresh query at the firing instant", func(t *testing.T) {
		h := newTestHandler(t, "a", "aligned 10s", &recorder{})
		schedule := h.schedule.(*fakeSchedule)

		_, err := h.IsDue(t0.Add(3 * time.Second)) // 7s until t0+10s
		require.NoError(t, err)

		due, err := h.IsDue(t0.Add(11 * time.Second))
		require.NoError(t, err)
		assert.True(t, due)

		d, armed := h.UntilDue()
		require.True(t, armed)
		assert.Equal(t, 9*time.Second, d, "rearmed relative to the firing instant, not by re-adding the interval")
		assert.Equal(t, 2, schedule.Calls())
	})

	t.Run("every second polled every 250ms fires on the fourth step", func(t *testing.T) {
		h, err := NewHandler(HandlerConfig{Name: "a", Enabled: true, Spec: "@every 1s", Action: &recorder{}})
		require.NoError(t, err)

		now := t0
		due, err := h.IsDue(now)
		require.NoError(t, err)
		require.False(t, due)

		var fired []int
		for step := 1; step <= 4; step++ {
			now = now.Add(250 * time.Millisecond)
			due, err := h.IsDue(now)
			require.NoError(t, err)
			if due {
				fired = append(fired, step)
			}
		}
		assert.Equal(t, []int{4}, fired)
	})

	t.Run("coarse polling fires once per check", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1s", &recorder{})

		_, err := h.IsDue(t0)
		require.NoError(t, err)

		due, err := h.IsDue(t0.Add(5 * time.Second))
		require.NoError(t, err)
		assert.True(t, due)

		due, err = h.IsDue(t0.Add(5*time.Second + 500*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, due, "missed windows are not replayed")
	})

	t.Run("re-enabled handler restarts its interval", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1s", &recorder{})

		_, err := h.IsDue(t0)
		require.NoError(t, err)
		_, err = h.IsDue(t0.Add(900 * time.Millisecond))
		require.NoError(t, err)

		h.SetEnabled(false)
		due, err := h.IsDue(t0.Add(2 * time.Second))
		require.NoError(t, err)
		assert.False(t, due)

		h.SetEnabled(true)
		due, err = h.IsDue(t0.Add(3 * time.Second))
		require.NoError(t, err)
		assert.False(t, due, "stale countdown must not fire")

		d, armed := h.UntilDue()
		require.True(t, armed)
		assert.Equal(t, time.Second, d)
	})

	t.Run("no next occurrence leaves the countdown unset", func(t *testing.T) {
		h, err := NewHandler(HandlerConfig{Name: "a", Enabled: true, Spec: "0 0 30 2 *", Action: &recorder{}})
		require.NoError(t, err)

		due, err := h.IsDue(t0)
		assert.False(t, due)
		assert.ErrorIs(t, err, ErrNoNextOccurrence)

		var noNext *NoNextOccurrenceError
		require.ErrorAs(t, err, &noNext)
		assert.Equal(t, "0 0 30 2 *", noNext.Spec)

		_, armed := h.UntilDue()
		assert.False(t, armed)
	})

	t.Run("failed rearm is retried from scratch", func(t *testing.T) {
		h := newTestHandler(t, "a", "every 1s", &recorder{})
		schedule := h.schedule.(*fakeSchedule)

		_, err := h.IsDue(t0)
		require.NoError(t, err)

		schedule.period = 0
		due, err := h.IsDue(t0.Add(time.Second))
		assert.False(t, due)
		assert.True(t, errors.Is(err, ErrNoNextOccurrence))
		_, armed := h.UntilDue()
		assert.False(t, armed)

		schedule.period = time.Second
		due, err = h.IsDue(t0.Add(2 * time.Second))
		require.NoError(t, err)
		assert.False(t, due)
		d, armed := h.UntilDue()
		assert.True(t, armed)
		assert.Equal(t, time.Second, d)
	})
}

func TestHandler_Handle(t *testing.T) {
	rec := &recorder{}
	h, err := NewHandler(HandlerConfig{
		Name:      "report",
		Enabled:   true,
		Spec:      "every 1s",
		Data:      map[string]interface{}{"to": "ops"},
		Action:    rec,
		Evaluator: fakeEvaluator{},
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), t0))
	require.Equal(t, 1, rec.Count())
	assert.Equal(t, Firing{Handler: "report", Data: map[string]interface{}{"to": "ops"}, At: t0}, rec.Last())

	rec.err = errors.New("smtp down")
	assert.EqualError(t, h.Handle(context.Background(), t0), "smtp down")
}

func TestActionFunc(t *testing.T) {
	var got Firing
	action := ActionFunc(func(ctx context.Context, f Firing) error {
		got = f
		return nil
	})
	require.NoError(t, action.Fire(context.Background(), Firing{Handler: "a", At: t0}))
	assert.Equal(t, "a", got.Handler)
}
