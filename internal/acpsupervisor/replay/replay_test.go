package replay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDrainWaitsForQuiescence(t *testing.T) {
	var delivered int32
	s := New(func(any) { atomic.AddInt32(&delivered, 1) })
	s.Suppress(true)

	for i := 0; i < 50; i++ {
		s.Deliver(i)
	}

	err := Drain(context.Background(), s, 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if s.Observed() != 50 || s.Processed() != 50 {
		t.Errorf("observed=%d processed=%d, want 50/50", s.Observed(), s.Processed())
	}
	if atomic.LoadInt32(&delivered) != 0 {
		t.Error("expected suppressed callback to never fire during replay")
	}
}

func TestDrainTimesOutWithoutQuiescence(t *testing.T) {
	s := New(func(any) {})
	s.Suppress(true)
	s.Deliver(1)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Deliver(1)
			}
		}
	}()
	defer close(stop)

	err := Drain(context.Background(), s, 20*time.Millisecond, 100*time.Millisecond)
	if err == nil || !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestDeliverForwardsWhenNotSuppressed(t *testing.T) {
	var got []any
	s := New(func(n any) { got = append(got, n) })
	s.Deliver("a")
	s.Deliver("b")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected delivered notifications: %v", got)
	}
}
