// Package replay implements component E: the session-update serializer and
// its replay-drain barrier, used after loadSession to wait out the burst of
// historical sessionUpdate notifications before releasing control to the
// caller.
package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Serializer funnels sessionUpdate notifications through a single-threaded
// callback. observed is bumped at receive time; processed is bumped after
// the callback completes. During a drain, the callback is suppressed.
type Serializer struct {
	mu        sync.Mutex
	observed  int64
	processed int64

	suppressed atomic.Bool
	onUpdate   func(notification any)
}

// New returns a Serializer that invokes onUpdate for each non-suppressed
// notification.
func New(onUpdate func(notification any)) *Serializer {
	return &Serializer{onUpdate: onUpdate}
}

// Observed returns the current observed counter.
func (s *Serializer) Observed() int64 { return atomic.LoadInt64(&s.observed) }

// Processed returns the current processed counter.
func (s *Serializer) Processed() int64 { return atomic.LoadInt64(&s.processed) }

// Deliver is called by the ACP client callback for every sessionUpdate
// notification, in receive order. It bumps observed immediately, then runs
// the (possibly suppressed) callback single-threaded, then bumps processed.
func (s *Serializer) Deliver(notification any) {
	atomic.AddInt64(&s.observed, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suppressed.Load() && s.onUpdate != nil {
		s.onUpdate(notification)
	}
	atomic.AddInt64(&s.processed, 1)
}

// Suppress toggles whether Deliver forwards to the callback; used to hide
// the replay burst from the caller during loadSession.
func (s *Serializer) Suppress(v bool) {
	s.suppressed.Store(v)
}

const pollInterval = 20 * time.Millisecond

// Drain implements the replay-drain algorithm from spec §4.E: wait for the
// observed/processed counters to settle at quiescence, bounded by
// max(idleMs, timeoutMs). Callers should Suppress(true) before calling
// loadSession and Suppress(false) once Drain returns successfully.
func Drain(ctx context.Context, s *Serializer, idle, timeout time.Duration) error {
	deadline := time.Now().Add(maxDuration(idle, timeout))

	lastObserved := s.Observed()
	idleSince := time.Now()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if now.After(deadline) {
				return errTimeout{}
			}
			cur := s.Observed()
			if cur != lastObserved {
				lastObserved = cur
				idleSince = now
				continue
			}
			if s.Processed() == s.Observed() && now.Sub(idleSince) >= idle {
				// Re-check after awaiting the serializer's tail: lock and
				// unlock to ensure no Deliver call is mid-flight, then
				// verify quiescence held.
				s.mu.Lock()
				stillEqual := s.Processed() == s.Observed()
				s.mu.Unlock()
				if stillEqual {
					return nil
				}
			}
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

type errTimeout struct{}

func (errTimeout) Error() string { return "replay drain timed out" }

// IsTimeout reports whether err is the timeout sentinel Drain returns when
// the deadline elapses before quiescence.
func IsTimeout(err error) bool {
	_, ok := err.(errTimeout)
	return ok
}
