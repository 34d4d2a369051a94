package peer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase represents the disconnect controller's lifecycle.
type Phase int

const (
	// PhaseConnected indicates no disconnect is suspected.
	PhaseConnected Phase = iota
	// PhasePending indicates a disconnect signal arrived and the debounce
	// timer is running.
	PhasePending
	// PhaseDisconnected indicates the disconnect was confirmed and acted on.
	PhaseDisconnected
	// PhaseReconnecting indicates a reconnect countdown is running.
	PhaseReconnecting
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhasePending:
		return "pending_disconnect"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ControllerConfig carries the debounce windows. The delays absorb transient
// drops: brief ICE flaps and app backgrounding routinely produce disconnect
// signals that resolve on their own, and tearing down the session for those
// would force a pointless re-pairing.
type ControllerConfig struct {
	// VisibleDelay is the debounce window while the app is foregrounded.
	VisibleDelay time.Duration `json:"visible_delay"`
	// HiddenDelay is the longer window while backgrounded, where the OS may
	// suspend networking without the peer being gone.
	HiddenDelay time.Duration `json:"hidden_delay"`
	// PickerGrace suppresses disconnect confirmation entirely for a window
	// after a native file picker opens, which backgrounds the app on most
	// platforms.
	PickerGrace time.Duration `json:"picker_grace"`
	// ReconnectDelay is the countdown before a reconnect attempt starts.
	ReconnectDelay time.Duration `json:"reconnect_delay"`
}

// DefaultControllerConfig returns the default debounce windows.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		VisibleDelay:   3 * time.Second,
		HiddenDelay:    10 * time.Second,
		PickerGrace:    3 * time.Minute,
		ReconnectDelay: 3 * time.Second,
	}
}

// Controller debounces disconnect signals and drives reconnection. All
// transitions are serialized under one mutex; timers fire callbacks that
// re-check state, so a cancelled timer racing its own expiry is harmless.
type Controller struct {
	logger *zap.Logger
	cfg    ControllerConfig

	mu           sync.Mutex
	phase        Phase
	reason       string
	backgrounded bool
	pickerOpened time.Time
	debounce     *time.Timer
	countdown    *time.Timer

	onDisconnected func(reason string)
	onReconnect    func()
}

// NewController creates a disconnect controller.
func NewController(logger *zap.Logger, cfg ControllerConfig) *Controller {
	return &Controller{
		logger: logger,
		cfg:    cfg,
		phase:  PhaseConnected,
	}
}

// SetCallbacks sets the confirmation and reconnect callbacks. Call before
// the controller receives any signal.
func (c *Controller) SetCallbacks(onDisconnected func(reason string), onReconnect func()) {
	c.onDisconnected = onDisconnected
	c.onReconnect = onReconnect
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetBackgrounded records whether the app is backgrounded, which selects the
// longer debounce window for subsequent signals.
func (c *Controller) SetBackgrounded(hidden bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backgrounded = hidden
}

// NotePickerOpened records that a native file picker just opened, starting
// the grace window.
func (c *Controller) NotePickerOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pickerOpened = time.Now()
}

// Trigger reports a disconnect signal. The first signal starts the debounce
// timer; further signals while pending are absorbed.
func (c *Controller) Trigger(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseConnected && c.phase != PhaseReconnecting {
		return
	}
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.phase = PhasePending
	c.reason = reason

	delay := c.cfg.VisibleDelay
	if c.backgrounded {
		delay = c.cfg.HiddenDelay
	}
	c.logger.Info("Disconnect suspected, debouncing",
		zap.String("reason", reason),
		zap.Duration("delay", delay))
	c.debounce = time.AfterFunc(delay, c.debounceFired)
}

// ConnectivityRestored cancels a pending disconnect. Signals that resolved
// within the window leave no trace.
func (c *Controller) ConnectivityRestored() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhasePending {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.phase = PhaseConnected
	c.reason = ""
	c.logger.Info("Connectivity restored within debounce window")
}

// debounceFired confirms the disconnect unless the picker grace window is
// still open, in which case confirmation is pushed out and re-checked.
func (c *Controller) debounceFired() {
	c.mu.Lock()
	if c.phase != PhasePending {
		c.mu.Unlock()
		return
	}

	if !c.pickerOpened.IsZero() {
		remaining := c.cfg.PickerGrace - time.Since(c.pickerOpened)
		if remaining > 0 {
			c.logger.Info("File picker grace active, deferring disconnect",
				zap.Duration("remaining", remaining))
			c.debounce = time.AfterFunc(remaining, c.debounceFired)
			c.mu.Unlock()
			return
		}
	}

	c.phase = PhaseDisconnected
	reason := c.reason
	cb := c.onDisconnected
	c.mu.Unlock()

	c.logger.Warn("Disconnect confirmed", zap.String("reason", reason))
	if cb != nil {
		cb(reason)
	}
}

// Reconnect starts the reconnect countdown from the disconnected phase.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.phase != PhaseDisconnected {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseReconnecting
	delay := c.cfg.ReconnectDelay
	c.mu.Unlock()

	c.logger.Info("Reconnecting", zap.Duration("countdown", delay))
	c.mu.Lock()
	c.countdown = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.phase != PhaseReconnecting {
			c.mu.Unlock()
			return
		}
		cb := c.onReconnect
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	c.mu.Unlock()
}

// Reset returns the controller to the connected phase, cancelling any timers.
// Called when a fresh connection is established.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.phase = PhaseConnected
	c.reason = ""
	c.pickerOpened = time.Time{}
}
