package turn

import "testing"

type fakeActive struct {
	hasActive  bool
	cancelled  bool
	cancelResp bool
}

func (f *fakeActive) HasActivePrompt() bool        { return f.hasActive }
func (f *fakeActive) RequestCancelActivePrompt() bool {
	f.cancelled = true
	return f.cancelResp
}
func (f *fakeActive) SetSessionMode(string) error        { return nil }
func (f *fakeActive) SetSessionConfigOption(string, any) error { return nil }

func TestBeginTurnOnlyFromIdle(t *testing.T) {
	c := New()
	active := &fakeActive{}
	if !c.BeginTurn(active) {
		t.Fatal("expected BeginTurn to succeed from idle")
	}
	if c.State() != StateStarting {
		t.Errorf("expected starting, got %s", c.State())
	}
	if c.BeginTurn(active) {
		t.Error("expected BeginTurn to fail while already starting")
	}
}

func TestEndTurnResetsState(t *testing.T) {
	c := New()
	active := &fakeActive{}
	c.BeginTurn(active)
	c.MarkPromptActive()
	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}
	c.EndTurn()
	if c.State() != StateIdle {
		t.Errorf("expected idle after EndTurn, got %s", c.State())
	}
	if c.PendingCancel() {
		t.Error("expected pendingCancel cleared after EndTurn")
	}
}

func TestCancelDuringActivePrompt(t *testing.T) {
	c := New()
	active := &fakeActive{hasActive: true, cancelResp: true}
	c.BeginTurn(active)
	c.MarkPromptActive()

	if !c.Cancel() {
		t.Fatal("expected cancel to report true")
	}
	if !active.cancelled {
		t.Error("expected RequestCancelActivePrompt to be called")
	}
	if c.PendingCancel() {
		t.Error("pendingCancel should be cleared once the agent acks cancellation")
	}
}

func TestCancelDeferredBeforePromptActive(t *testing.T) {
	c := New()
	active := &fakeActive{hasActive: false}
	c.BeginTurn(active) // starting, prompt not yet active

	if !c.Cancel() {
		t.Fatal("expected deferred cancel to report true")
	}
	if !c.PendingCancel() {
		t.Error("expected pendingCancel to be set")
	}
}

func TestCancelWithNoActiveTurn(t *testing.T) {
	c := New()
	if c.Cancel() {
		t.Error("expected cancel against idle controller to report false")
	}
}

func TestBeginClosingRejectsControlRequests(t *testing.T) {
	c := New()
	active := &fakeActive{}
	c.BeginTurn(active)
	c.BeginClosing()

	handled, err := c.WithActive(func(ActiveController) error { return nil })
	if !handled || err == nil {
		t.Fatal("expected WithActive to report the owner-closing error")
	}
	if err.Error() != ErrOwnerClosingMsg {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestWithActiveFallsBackWhenIdle(t *testing.T) {
	c := New()
	handled, err := c.WithActive(func(ActiveController) error { return nil })
	if handled || err != nil {
		t.Errorf("expected no active controller: handled=%v err=%v", handled, err)
	}
}
