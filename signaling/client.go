// Package signaling is the peer-side adapter over the relay. It hides which
// wire framing is in use behind one normalized event vocabulary so the rest
// of the peer never sees transport-specific message shapes.
package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// Transport selects which relay framing the client speaks.
type Transport string

const (
	// TransportSocket is the raw envelope protocol.
	TransportSocket Transport = "socket"
	// TransportEvent is the event-framed room protocol.
	TransportEvent Transport = "event"
)

// Config describes one signaling connection.
type Config struct {
	// ServerURL is the relay base URL, e.g. ws://localhost:3000.
	ServerURL string
	SessionID string
	Role      common.PeerRole
	Transport Transport
}

// Client connects a peer to the signaling relay and exposes the normalized
// event vocabulary. Connect and Disconnect are idempotent.
type Client struct {
	logger     *zap.Logger
	cfg        Config
	dispatcher *dispatcher

	mu        sync.Mutex
	adapter   adapter
	connected bool
}

// NewClient creates a signaling client. No connection is made until
// Connect.
func NewClient(logger *zap.Logger, cfg Config) *Client {
	if cfg.Transport == "" {
		cfg.Transport = TransportSocket
	}
	return &Client{
		logger:     logger,
		cfg:        cfg,
		dispatcher: newDispatcher(logger),
	}
}

// Connect dials the relay with the configured adapter and joins the
// session. Calling Connect while connected is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	var a adapter
	switch c.cfg.Transport {
	case TransportEvent:
		a = newEventAdapter(c.logger, c.cfg.ServerURL, c.cfg.SessionID, c.cfg.Role)
	default:
		a = newSocketAdapter(c.logger, c.cfg.ServerURL, c.cfg.SessionID, c.cfg.Role)
	}
	c.adapter = a
	c.mu.Unlock()

	if err := a.connect(c.handleEnvelope, c.handleClose); err != nil {
		c.mu.Lock()
		c.adapter = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Signaling connected",
		zap.String("sessionID", c.cfg.SessionID),
		zap.String("role", string(c.cfg.Role)),
		zap.String("transport", string(c.cfg.Transport)))
	c.dispatcher.emit(Message{Event: EventConnect})
	return nil
}

// Disconnect tears down whichever adapter is active. Safe to call more than
// once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	a := c.adapter
	c.adapter = nil
	c.connected = false
	c.mu.Unlock()

	if a != nil {
		if err := a.close(); err != nil {
			c.logger.Warn("Error closing signaling adapter", zap.Error(err))
		}
	}
}

// Connected reports whether the client currently holds a live relay
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// On registers a handler for an event and returns a registration id for
// Off.
func (c *Client) On(evt Event, fn Handler) int {
	return c.dispatcher.on(evt, fn)
}

// Off removes a previously registered handler.
func (c *Client) Off(evt Event, id int) {
	c.dispatcher.off(evt, id)
}

// SendOffer routes an offer payload to the other peer through the relay.
func (c *Client) SendOffer(offer json.RawMessage) {
	c.sendSetup(&common.Envelope{Type: common.MsgOffer, SessionID: c.cfg.SessionID, Offer: offer})
}

// SendAnswer routes an answer payload to the other peer through the relay.
func (c *Client) SendAnswer(answer json.RawMessage) {
	c.sendSetup(&common.Envelope{Type: common.MsgAnswer, SessionID: c.cfg.SessionID, Answer: answer})
}

// SendICECandidate routes one candidate to the other peer. A nil payload is
// forwarded as-is to signal gathering-complete.
func (c *Client) SendICECandidate(candidate json.RawMessage) {
	c.sendSetup(&common.Envelope{Type: common.MsgICECandidate, SessionID: c.cfg.SessionID, Candidate: candidate})
}

// sendSetup is non-fatal when disconnected: negotiation retry logic lives
// with the caller, not here.
func (c *Client) sendSetup(env *common.Envelope) {
	c.mu.Lock()
	a := c.adapter
	connected := c.connected
	c.mu.Unlock()

	if !connected || a == nil {
		c.logger.Warn("Cannot send setup message: not connected", zap.String("type", env.Type))
		return
	}
	if err := a.send(env); err != nil {
		c.logger.Warn("Failed to send setup message", zap.String("type", env.Type), zap.Error(err))
	}
}

// handleEnvelope maps normalized relay envelopes onto the event vocabulary.
func (c *Client) handleEnvelope(env *common.Envelope) {
	switch env.Type {
	case common.MsgJoined:
		c.logger.Info("Joined session", zap.String("sessionID", env.SessionID))
	case common.MsgPeerConnected:
		c.dispatcher.emit(Message{Event: EventPeerConnected})
	case common.MsgOffer:
		c.dispatcher.emit(Message{Event: EventOffer, Payload: env.Offer})
	case common.MsgAnswer:
		c.dispatcher.emit(Message{Event: EventAnswer, Payload: env.Answer})
	case common.MsgICECandidate:
		c.dispatcher.emit(Message{Event: EventICECandidate, Payload: env.Candidate})
	case common.MsgPCDisconnected:
		c.dispatcher.emit(Message{Event: EventPeerDisconnected, Role: common.RolePC})
	case common.MsgMobileDisconnected:
		c.dispatcher.emit(Message{Event: EventPeerDisconnected, Role: common.RoleMobile})
	case common.MsgPong:
		// Keep-alive reply, nothing to surface.
	case common.MsgError:
		c.logger.Error("Relay error", zap.String("message", env.Message))
		c.dispatcher.emit(Message{Event: EventError, Err: &RelayError{Message: env.Message}})
	default:
		c.logger.Warn("Unknown relay message type", zap.String("type", env.Type))
	}
}

func (c *Client) handleClose(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Signaling connection lost", zap.Error(err))
		c.dispatcher.emit(Message{Event: EventError, Err: err})
	}
	if wasConnected {
		c.dispatcher.emit(Message{Event: EventDisconnect})
	}
}

// RelayError is an error envelope surfaced by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "relay error: " + e.Message
}
