// Package turn implements component C: the turn controller state machine
// that runs one prompt turn at a time and serializes cancel/set_mode/
// set_config_option against it.
package turn

import "sync"

// State is one of the turn controller's four states.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateClosing  State = "closing"
)

// ActiveController is the live-session half of the dynamic-dispatch split
// described in spec §9: when a turn is in flight, control requests apply
// directly against it. hasActivePrompt/requestCancelActivePrompt let the
// controller implement cancel precedence; setSessionMode/
// setSessionConfigOption let it apply config changes without a fallback
// reconnect.
type ActiveController interface {
	HasActivePrompt() bool
	RequestCancelActivePrompt() bool
	SetSessionMode(modeID string) error
	SetSessionConfigOption(configID string, value any) error
}

// Controller is the turn controller for one session's owner process. It is
// safe for concurrent use by the server's connection-handling goroutines.
type Controller struct {
	mu           sync.Mutex
	state        State
	pendingCancel bool
	active       ActiveController
}

// New returns a Controller starting in the idle state.
func New() *Controller {
	return &Controller{state: StateIdle}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginTurn transitions idle -> starting, attaching active as the live
// controller for the duration of the turn. Returns false if the controller
// was not idle (caller should not start a turn).
func (c *Controller) BeginTurn(active ActiveController) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateStarting
	c.active = active
	return true
}

// MarkPromptActive transitions starting|active -> active, once the ACP
// prompt RPC has been issued and accepted.
func (c *Controller) MarkPromptActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting || c.state == StateActive {
		c.state = StateActive
	}
}

// EndTurn transitions any non-closing state back to idle and clears
// pendingCancel; it is a no-op if the controller has already begun closing.
func (c *Controller) EndTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing {
		return
	}
	c.state = StateIdle
	c.pendingCancel = false
	c.active = nil
}

// BeginClosing transitions to closing from any state and clears the active
// controller reference.
func (c *Controller) BeginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosing
	c.active = nil
}

// IsClosing reports whether the controller has entered its terminal state.
func (c *Controller) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing
}

// Cancel implements step 3 of the dispatch loop (spec §4.C): if a turn is
// active and the live controller reports an active prompt, request its
// cancellation; otherwise, if a turn is starting/active but the prompt
// hasn't gone active yet, defer the cancel via pendingCancel; otherwise
// there is nothing to cancel.
func (c *Controller) Cancel() (cancelled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.HasActivePrompt() {
		if c.active.RequestCancelActivePrompt() {
			c.pendingCancel = false
			return true
		}
	}
	if c.state == StateStarting || c.state == StateActive {
		c.pendingCancel = true
		return true
	}
	return false
}

// PendingCancel reports whether a cancel was deferred against a turn that
// has not yet become active. The turn's own loop consults this once the
// prompt becomes active.
func (c *Controller) PendingCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCancel
}

// ApplyPendingCancel issues the deferred cancel against the active
// controller once the prompt has become active (spec §4.C step 3's "the
// controller will apply it when the prompt becomes active"). No-op if no
// cancel is pending or no turn is in flight.
func (c *Controller) ApplyPendingCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCancel && c.active != nil {
		c.active.RequestCancelActivePrompt()
		c.pendingCancel = false
	}
}

// ErrOwnerClosingMsg is the message of the error WithActive returns when
// invoked while the controller is in its closing state (spec §4.C, step 6).
const ErrOwnerClosingMsg = "Queue owner is closing"

// WithActive runs fn against the live controller if a turn is in flight and
// the controller is not closing; it returns (false, nil) when there is no
// active controller so callers fall back to a short-lived reconnect (spec
// §4.C step 4).
func (c *Controller) WithActive(fn func(ActiveController) error) (handled bool, err error) {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return true, errOwnerClosing{}
	}
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return false, nil
	}
	return true, fn(active)
}

type errOwnerClosing struct{}

func (errOwnerClosing) Error() string { return ErrOwnerClosingMsg }
