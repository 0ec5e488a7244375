package crontab

import (
	"time"
)

// CarryOverPolicy decides, while a replace transaction finishes, whether the pending countdown of a replaced
// handler moves into the handler that took its name. It is only consulted for old handlers that did not fire
// during the final check and whose successor is either unarmed or still on the first countdown a tick gave it
// after the transaction was prepared.
type CarryOverPolicy func(old, successor *Handler) bool

// CarryOverPending carries every armed countdown over to a successor with the same spec,
// so the successor fires when the old handler would have.
func CarryOverPending(old, successor *Handler) bool {
	return old.armed && old.spec == successor.spec
}

// NeverCarryOver lets every successor start a fresh interval.
func NeverCarryOver(old, successor *Handler) bool {
	return false
}

// CarryOverWithin behaves like CarryOverPending but only for countdowns with at most max remaining.
// Longer countdowns restart in the successor.
func CarryOverWithin(max time.Duration) CarryOverPolicy {
	return func(old, successor *Handler) bool {
		return CarryOverPending(old, successor) && old.untilDue <= max
	}
}

// Replacement is an open replace transaction.
//
// PrepareReplace moves the active handlers into the Replacement's staging area and leaves the scheduler with
// an empty registry for the new set. Finish gives the staged handlers one last due-check, carries pending
// countdowns over to their successors and discards the staging area. Between the two phases the scheduler keeps
// ticking the new set only.
type Replacement struct {
	s          *Scheduler
	staged     map[string]*Handler
	preparedAt time.Time
	done       bool
}

// PrepareReplace opens a replace transaction. A transaction that is still open is finished first.
func (s *Scheduler) PrepareReplace() *Replacement {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.prepareLocked(s.clock.Now())
}

// FinishReplace finishes the open replace transaction, if any, and reports whether there was one.
func (s *Scheduler) FinishReplace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return false
	}
	s.finishLocked(s.pending, s.clock.Now())
	return true
}

// Replace swaps the whole handler set in one step without losing a pending trigger.
// Nothing is changed if handlers contains nil.
func (s *Scheduler) Replace(handlers ...*Handler) error {
	for _, h := range handlers {
		if h == nil {
			return ErrNilHandler
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	r := s.prepareLocked(now)
	for _, h := range handlers {
		s.handlers[h.name] = h
	}
	s.finishLocked(r, now)
	return nil
}

// Add registers h in the new handler set. It is the same as Scheduler.AddHandler.
func (r *Replacement) Add(h *Handler) error {
	return r.s.AddHandler(h)
}

// Staged returns a copy of the staging area: the handlers that were active when the transaction was prepared.
// It is empty once the transaction has finished.
func (r *Replacement) Staged() map[string]*Handler {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	staged := make(map[string]*Handler, len(r.staged))
	for name, h := range r.staged {
		staged[name] = h
	}
	return staged
}

// Finish completes the transaction. Calling it again is a no-op.
func (r *Replacement) Finish() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.finishLocked(r, r.s.clock.Now())
}

// prepareLocked swaps the registry with an empty one. Call with s.mu held.
func (s *Scheduler) prepareLocked(now time.Time) *Replacement {
	if s.pending != nil {
		s.log.Warn().Msg("replace prepared while another one was open; finishing the open one first")
		s.finishLocked(s.pending, now)
	}

	r := &Replacement{s: s, staged: s.handlers, preparedAt: now}
	s.handlers = make(map[string]*Handler)
	s.pending = r

	s.log.Debug().Int("staged", len(r.staged)).Msg("replace prepared")
	return r
}

// finishLocked checks the staged handlers one last time and discards them. Call with s.mu held.
func (s *Scheduler) finishLocked(r *Replacement, now time.Time) {
	if r.done {
		return
	}
	r.done = true
	if s.pending == r {
		s.pending = nil
	}

	staged := make(map[string]*Handler, len(r.staged))
	for name, old := range r.staged {
		// still registered as is: it keeps its own state and is checked by the next tick
		if s.handlers[name] == old {
			continue
		}
		staged[name] = old
	}

	fired := s.checkLocked(now, staged)

	carried := 0
	for name, old := range staged {
		successor, ok := s.handlers[name]
		if !ok || fired[name] {
			continue
		}
		// a successor armed by a tick inside the transaction has not started a schedule of its own yet
		if successor.armed && !successor.armedSince(r.preparedAt) {
			continue
		}
		if s.config.CarryOver(old, successor) {
			successor.inherit(old)
			carried++
		}
	}

	s.log.Debug().
		Int("staged", len(staged)).
		Int("fired", len(fired)).
		Int("carried", carried).
		Int("handlers", len(s.handlers)).
		Msg("replace finished")
	r.staged = nil
}
