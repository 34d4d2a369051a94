package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// Event is one entry in the normalized event vocabulary both adapters map
// their wire shapes onto.
type Event string

const (
	// EventConnect fires once the adapter's handshake has completed and the
	// join message has been sent.
	EventConnect Event = "connect"
	// EventPeerConnected fires when the relay reports both roles present.
	EventPeerConnected Event = "peer_connected"
	// EventOffer carries the remote peer's session description.
	EventOffer Event = "webrtc_offer"
	// EventAnswer carries the remote peer's answer description.
	EventAnswer Event = "webrtc_answer"
	// EventICECandidate carries one remote candidate; a null payload signals
	// gathering-complete.
	EventICECandidate Event = "ice_candidate"
	// EventPeerDisconnected reports which role left the session.
	EventPeerDisconnected Event = "peer_disconnected"
	// EventError reports a relay-side or adapter-side failure.
	EventError Event = "error"
	// EventDisconnect fires when the adapter's connection closes.
	EventDisconnect Event = "disconnect"
)

// Message is the argument delivered to event handlers. Payload is set for
// offer/answer/candidate events, Role for peer_disconnected, Err for error.
type Message struct {
	Event   Event
	Payload json.RawMessage
	Role    common.PeerRole
	Err     error
}

// Handler processes one normalized event.
type Handler func(msg Message)

type handlerEntry struct {
	id int
	fn Handler
}

// dispatcher is a small registry of event handlers. A panicking handler is
// recovered and logged so it cannot block delivery to the others.
type dispatcher struct {
	logger *zap.Logger
	mu     sync.Mutex
	nextID int
	byEvt  map[Event][]handlerEntry
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		byEvt:  make(map[Event][]handlerEntry),
	}
}

func (d *dispatcher) on(evt Event, fn Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.byEvt[evt] = append(d.byEvt[evt], handlerEntry{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) off(evt Event, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.byEvt[evt]
	for i, entry := range entries {
		if entry.id == id {
			d.byEvt[evt] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) emit(msg Message) {
	d.mu.Lock()
	entries := make([]handlerEntry, len(d.byEvt[msg.Event]))
	copy(entries, d.byEvt[msg.Event])
	d.mu.Unlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Event handler panicked",
						zap.String("event", string(msg.Event)),
						zap.Any("panic", r))
				}
			}()
			entry.fn(msg)
		}()
	}
}
