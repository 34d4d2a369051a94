package relay

import (
	"errors"

	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
	"github.com/TFMV/beamdrop/metrics"
)

// Hub routes relay envelopes between the two peers of a session. It holds no
// file data and interprets no setup payloads; its only logic is the
// pairing/cleanup state machine in the registry plus notification fan-out.
type Hub struct {
	logger   *zap.Logger
	registry *Registry
}

// NewHub creates a hub backed by a fresh registry.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		registry: NewRegistry(logger),
	}
}

// Registry exposes the hub's session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// SessionCount reports the number of live sessions, used by the health
// endpoint.
func (h *Hub) SessionCount() int {
	return h.registry.Count()
}

// HandleMessage dispatches one inbound envelope from a connection. Protocol
// and session errors go back to the sender only and are never fatal to the
// relay.
func (h *Hub) HandleMessage(p *Peer, env *common.Envelope) {
	switch env.Type {
	case common.MsgJoin:
		h.handleJoin(p, env)
	case common.MsgOffer, common.MsgAnswer, common.MsgICECandidate:
		h.handleRelay(p, env)
	case common.MsgPing:
		h.send(p, &common.Envelope{Type: common.MsgPong})
	default:
		h.logger.Warn("Unknown message type", zap.String("type", env.Type))
	}
}

// HandleDisconnect is invoked on transport close or error. Remaining members
// are told which role went away; an emptied session is destroyed.
func (h *Hub) HandleDisconnect(p *Peer) {
	role := p.Role
	remaining := h.registry.Leave(p)
	for _, member := range remaining {
		h.send(member, &common.Envelope{Type: common.DisconnectType(role)})
	}
	metrics.ActiveSessions.Set(float64(h.registry.Count()))
}

func (h *Hub) handleJoin(p *Peer, env *common.Envelope) {
	paired, err := h.registry.Join(p, env.SessionID, env.PeerType)
	if err != nil {
		h.sendError(p, "Missing or invalid session_id or peer_type")
		return
	}

	h.send(p, &common.Envelope{
		Type:      common.MsgJoined,
		SessionID: env.SessionID,
		PeerType:  env.PeerType,
	})
	metrics.ActiveSessions.Set(float64(h.registry.Count()))

	if paired != nil {
		h.logger.Info("Both peers connected", zap.String("sessionID", env.SessionID))
		metrics.SessionsPaired.Inc()
		for _, member := range paired {
			h.send(member, &common.Envelope{Type: common.MsgPeerConnected})
		}
	}
}

// handleRelay forwards an offer, answer or candidate unchanged to every
// other member of the sender's session. Zero recipients is tolerated
// silently; the payload may arrive before the other side has joined.
func (h *Hub) handleRelay(p *Peer, env *common.Envelope) {
	if env.SessionID == "" {
		h.sendError(p, "Missing session_id")
		return
	}

	others, err := h.registry.Others(p)
	if err != nil {
		if errors.Is(err, ErrNotJoined) {
			h.sendError(p, "Join a session before relaying")
		} else {
			h.sendError(p, "Session not found")
		}
		return
	}

	forward := &common.Envelope{
		Type:      env.Type,
		Offer:     env.Offer,
		Answer:    env.Answer,
		Candidate: env.Candidate,
	}
	for _, member := range others {
		h.send(member, forward)
	}
	metrics.MessagesRelayed.WithLabelValues(env.Type).Inc()
}

func (h *Hub) send(p *Peer, env *common.Envelope) {
	if err := p.Send(env); err != nil {
		h.logger.Error("Failed to send to peer",
			zap.String("sessionID", p.SessionID),
			zap.String("role", string(p.Role)),
			zap.Error(err))
	}
}

func (h *Hub) sendError(p *Peer, message string) {
	metrics.RelayErrors.Inc()
	h.send(p, common.ErrorEnvelope(message))
}
