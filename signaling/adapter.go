package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// adapter is one wire transport to the relay. Both adapters perform the
// dial+join handshake in connect and deliver inbound traffic as normalized
// envelopes; onClose fires exactly once when the connection dies.
type adapter interface {
	connect(onEnvelope func(*common.Envelope), onClose func(error)) error
	send(env *common.Envelope) error
	close() error
}

// wsLink is the shared gorilla plumbing both adapters ride on: a dial, one
// read pump goroutine, and serialized writes.
type wsLink struct {
	logger *zap.Logger
	url    string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (l *wsLink) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay %s: %w", l.url, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.closed = false
	l.mu.Unlock()
	return nil
}

func (l *wsLink) readPump(onFrame func([]byte), onClose func(error)) {
	go func() {
		for {
			_, frame, err := l.conn.ReadMessage()
			if err != nil {
				l.mu.Lock()
				wasClosed := l.closed
				l.mu.Unlock()
				if wasClosed {
					onClose(nil)
				} else {
					onClose(err)
				}
				return
			}
			onFrame(frame)
		}
	}()
}

func (l *wsLink) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *wsLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.closed {
		return nil
	}
	l.closed = true
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.conn.Close()
}

// socketAdapter speaks the raw envelope protocol on the relay's /ws
// endpoint.
type socketAdapter struct {
	link      *wsLink
	sessionID string
	role      common.PeerRole
}

func newSocketAdapter(logger *zap.Logger, serverURL, sessionID string, role common.PeerRole) *socketAdapter {
	return &socketAdapter{
		link:      &wsLink{logger: logger, url: serverURL + "/ws"},
		sessionID: sessionID,
		role:      role,
	}
}

func (a *socketAdapter) connect(onEnvelope func(*common.Envelope), onClose func(error)) error {
	if err := a.link.dial(); err != nil {
		return err
	}

	a.link.readPump(func(frame []byte) {
		var env common.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			a.link.logger.Error("Undecodable relay frame", zap.Error(err))
			return
		}
		onEnvelope(&env)
	}, onClose)

	return a.send(&common.Envelope{
		Type:      common.MsgJoin,
		SessionID: a.sessionID,
		PeerType:  a.role,
	})
}

func (a *socketAdapter) send(env *common.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return a.link.write(frame)
}

func (a *socketAdapter) close() error {
	return a.link.close()
}

// eventAdapter speaks the event-framed room protocol on the relay's /socket
// endpoint: role-specific join events, ready acks, payload-bearing event
// frames.
type eventAdapter struct {
	link      *wsLink
	sessionID string
	role      common.PeerRole
}

func newEventAdapter(logger *zap.Logger, serverURL, sessionID string, role common.PeerRole) *eventAdapter {
	return &eventAdapter{
		link:      &wsLink{logger: logger, url: serverURL + "/socket"},
		sessionID: sessionID,
		role:      role,
	}
}

type eventWire struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type eventWireData struct {
	SessionID string          `json:"session_id,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (a *eventAdapter) connect(onEnvelope func(*common.Envelope), onClose func(error)) error {
	if err := a.link.dial(); err != nil {
		return err
	}

	a.link.readPump(func(frame []byte) {
		env, err := a.decode(frame)
		if err != nil {
			a.link.logger.Error("Undecodable event frame", zap.Error(err))
			return
		}
		onEnvelope(env)
	}, onClose)

	return a.emit(string(a.role)+"_join", eventWireData{SessionID: a.sessionID})
}

// decode normalizes an inbound event frame to the internal envelope
// vocabulary. The ready ack maps to joined.
func (a *eventAdapter) decode(frame []byte) (*common.Envelope, error) {
	var ew eventWire
	if err := json.Unmarshal(frame, &ew); err != nil {
		return nil, err
	}

	var data eventWireData
	if len(ew.Data) > 0 {
		if err := json.Unmarshal(ew.Data, &data); err != nil {
			return nil, err
		}
	}

	switch ew.Event {
	case "pc_ready", "mobile_ready":
		return &common.Envelope{Type: common.MsgJoined, SessionID: data.SessionID, PeerType: a.role}, nil
	case common.MsgPeerConnected, common.MsgPCDisconnected, common.MsgMobileDisconnected, common.MsgPong:
		return &common.Envelope{Type: ew.Event}, nil
	case common.MsgOffer, common.MsgAnswer, common.MsgICECandidate:
		return &common.Envelope{
			Type:      ew.Event,
			Offer:     data.Offer,
			Answer:    data.Answer,
			Candidate: data.Candidate,
		}, nil
	case common.MsgError:
		return &common.Envelope{Type: common.MsgError, Message: data.Message}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", ew.Event)
	}
}

func (a *eventAdapter) send(env *common.Envelope) error {
	switch env.Type {
	case common.MsgOffer, common.MsgAnswer, common.MsgICECandidate:
		return a.emit(env.Type, eventWireData{
			SessionID: env.SessionID,
			Offer:     env.Offer,
			Answer:    env.Answer,
			Candidate: env.Candidate,
		})
	case common.MsgPing:
		return a.emit(common.MsgPing, eventWireData{})
	default:
		return fmt.Errorf("event adapter cannot send %q", env.Type)
	}
}

func (a *eventAdapter) emit(event string, data eventWireData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	frame, err := json.Marshal(eventWire{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event frame: %w", err)
	}
	return a.link.write(frame)
}

func (a *eventAdapter) close() error {
	return a.link.close()
}
