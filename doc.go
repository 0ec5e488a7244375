// Package crontab runs a fixed set of named handlers, each attached to a cron expression, from a single polling loop.
//
// Every Period the scheduler checks each registered handler. A handler keeps a countdown to its next occurrence
// which is decremented by the time elapsed since its previous check; when it reaches zero the handler fires once
// and the countdown is rearmed from the cron expression. Polling jitter therefore delays a firing by at most one
// period, and a missed window fires once instead of being replayed.
//
//	s, err := crontab.New(crontab.Config{Period: 250 * time.Millisecond})
//	if err != nil {
//		return err
//	}
//	defer s.Stop(context.Background())
//
//	h, err := crontab.NewHandler(crontab.HandlerConfig{
//		Name:    "cleanup",
//		Enabled: true,
//		Spec:    "0 */5 * * * *",
//		Action: crontab.ActionFunc(func(ctx context.Context, f crontab.Firing) error {
//			return cleanup(ctx)
//		}),
//	})
//	if err != nil {
//		return err
//	}
//	s.AddHandler(h)
//
// The handler set can be swapped while the scheduler runs. Replace (or PrepareReplace followed by Finish) gives
// the outgoing handlers one last check, so a trigger that was already due still fires, and moves pending
// countdowns over to same-named successors according to Config.CarryOver.
//
// Definitions can also be loaded from a Source (see the mongodb and yamlfile packages) and kept in sync by a
// Reloader.
package crontab
