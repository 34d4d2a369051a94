// Package peer owns the direct-transport lifecycle for one side of a
// pairing: driving the offer/answer/candidate exchange through the
// signaling client and watching connection health.
package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
	"github.com/TFMV/beamdrop/signaling"
)

// dataChannelLabel is the single channel all file traffic rides on.
const dataChannelLabel = "files"

// State represents the connection manager's lifecycle.
type State int

const (
	// StateIdle indicates no negotiation has started.
	StateIdle State = iota
	// StateNegotiating indicates the offer/answer exchange is in progress.
	StateNegotiating
	// StateConnected indicates the direct transport is established.
	StateConnected
	// StateFailed indicates the transport reached a terminal connectivity
	// state.
	StateFailed
	// StateClosed indicates the manager was shut down.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebRTCConfig contains the ICE roster for the direct transport. The roster
// must reach past host candidates: STUN supplies the reflexive fallback and
// TURN, when configured, the relayed one, so peers behind restrictive NATs
// can still pair.
type WebRTCConfig struct {
	STUNServers []string `json:"stun_servers"`
	TURNServers []string `json:"turn_servers"`
	Username    string   `json:"username"`
	Credential  string   `json:"credential"`
}

// DefaultWebRTCConfig returns a default WebRTC configuration.
func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		TURNServers: []string{},
	}
}

func (c WebRTCConfig) iceServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{}
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if len(c.TURNServers) > 0 && c.Username != "" && c.Credential != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNServers,
			Username:   c.Username,
			Credential: c.Credential,
		})
	}
	return servers
}

// Manager drives one peer connection. The pc role actively creates the
// transport and offers once the relay reports pairing; the mobile role waits
// for the inbound offer and answers. File transfer is the only use of the
// transport, so no audio or video is ever negotiated: the offer carries just
// the data channel.
type Manager struct {
	logger *zap.Logger
	cfg    WebRTCConfig
	role   common.PeerRole
	sig    *signaling.Client

	mu             sync.Mutex
	state          State
	pc             *webrtc.PeerConnection
	dc             *webrtc.DataChannel
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	candidateCount int
	bound          bool

	onStateChange    func(state State)
	onChannelOpen    func(dc *webrtc.DataChannel)
	onChannelMessage func(data []byte)
	onFailure        func(reason string)
}

// NewManager creates a connection manager for one pairing attempt. A fresh
// manager is constructed on every (re)connect; handler registration guards
// live here, not in package state.
func NewManager(logger *zap.Logger, cfg WebRTCConfig, role common.PeerRole, sig *signaling.Client) *Manager {
	return &Manager{
		logger: logger,
		cfg:    cfg,
		role:   role,
		sig:    sig,
		state:  StateIdle,
	}
}

// SetCallbacks sets the lifecycle callbacks. Call before Bind.
func (m *Manager) SetCallbacks(
	onStateChange func(state State),
	onChannelOpen func(dc *webrtc.DataChannel),
	onChannelMessage func(data []byte),
	onFailure func(reason string),
) {
	m.onStateChange = onStateChange
	m.onChannelOpen = onChannelOpen
	m.onChannelMessage = onChannelMessage
	m.onFailure = onFailure
}

// Bind installs the manager's signaling handlers. Installing twice on the
// same manager is refused so a reconnect cannot double-register handlers.
func (m *Manager) Bind() error {
	m.mu.Lock()
	if m.bound {
		m.mu.Unlock()
		return fmt.Errorf("manager already bound to signaling client")
	}
	m.bound = true
	m.mu.Unlock()

	m.sig.On(signaling.EventPeerConnected, func(signaling.Message) {
		if m.role == common.RolePC {
			if err := m.initiate(); err != nil {
				m.logger.Error("Failed to initiate connection", zap.Error(err))
				m.fail(err.Error())
			}
		}
	})
	m.sig.On(signaling.EventOffer, func(msg signaling.Message) {
		if err := m.handleOffer(msg.Payload); err != nil {
			m.logger.Error("Failed to handle offer", zap.Error(err))
			m.fail(err.Error())
		}
	})
	m.sig.On(signaling.EventAnswer, func(msg signaling.Message) {
		if err := m.handleAnswer(msg.Payload); err != nil {
			m.logger.Error("Failed to handle answer", zap.Error(err))
		}
	})
	m.sig.On(signaling.EventICECandidate, func(msg signaling.Message) {
		m.handleRemoteCandidate(msg.Payload)
	})
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Role returns the manager's configured role.
func (m *Manager) Role() common.PeerRole {
	return m.role
}

// Close tears down the transport. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	dc := m.dc
	pc := m.pc
	m.dc = nil
	m.pc = nil
	alreadyClosed := m.state == StateClosed
	m.state = StateClosed
	m.mu.Unlock()

	if alreadyClosed {
		return
	}
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Warn("Error closing peer connection", zap.Error(err))
		}
	}
	m.notifyState(StateClosed)
}

// initiate runs the pc role's active side: create the transport, open the
// outbound data channel, offer.
func (m *Manager) initiate() error {
	pc, err := m.createTransport()
	if err != nil {
		return err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		// Ordered reliable delivery: chunk indices are counted, never
		// resequenced.
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	m.wireDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	m.setState(StateNegotiating)

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	m.sig.SendOffer(payload)
	m.logger.Info("Sent offer", zap.String("role", string(m.role)))
	return nil
}

// handleOffer runs the mobile role's passive side: accept the remote
// description and answer.
func (m *Manager) handleOffer(payload json.RawMessage) error {
	pc, err := m.createTransport()
	if err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("failed to decode offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	m.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	m.setState(StateNegotiating)

	reply, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	m.sig.SendAnswer(reply)
	m.logger.Info("Sent answer", zap.String("role", string(m.role)))
	return nil
}

func (m *Manager) handleAnswer(payload json.RawMessage) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("received answer with no transport")
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("failed to decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	m.flushPendingCandidates(pc)
	return nil
}

// handleRemoteCandidate applies one candidate from the other peer.
// Candidates arriving before the remote description are buffered and flushed
// afterwards; a null payload marks the remote side's gathering as complete.
func (m *Manager) handleRemoteCandidate(payload json.RawMessage) {
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		m.logger.Debug("Remote candidate gathering complete")
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		m.logger.Warn("Undecodable remote candidate", zap.Error(err))
		return
	}

	m.mu.Lock()
	pc := m.pc
	ready := m.remoteSet && pc != nil
	if !ready {
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		m.logger.Warn("Failed to add remote candidate", zap.Error(err))
	}
}

func (m *Manager) flushPendingCandidates(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			m.logger.Warn("Failed to add buffered candidate", zap.Error(err))
		}
	}
}

func (m *Manager) createTransport() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	if m.pc != nil {
		pc := m.pc
		m.mu.Unlock()
		return pc, nil
	}
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: m.cfg.iceServers(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete; signal it so the other side can stop
			// waiting for more candidates.
			m.sig.SendICECandidate(json.RawMessage("null"))
			m.mu.Lock()
			count := m.candidateCount
			m.mu.Unlock()
			if count == 0 {
				// Diagnostic only; failure is declared by terminal transport
				// state, not by an empty roster.
				m.logger.Warn("Candidate gathering finished with no candidates")
			}
			return
		}

		m.mu.Lock()
		m.candidateCount++
		m.mu.Unlock()

		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			m.logger.Error("Failed to marshal candidate", zap.Error(err))
			return
		}
		m.sig.SendICECandidate(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Info("Connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.setState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			m.fail("peer connection " + state.String())
		case webrtc.PeerConnectionStateClosed:
			m.mu.Lock()
			terminal := m.state == StateFailed || m.state == StateClosed
			m.mu.Unlock()
			if !terminal {
				m.setState(StateClosed)
			}
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed {
			m.fail("ice connection failed")
		}
	})

	if m.role == common.RoleMobile {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.logger.Info("Data channel received", zap.String("label", dc.Label()))
			m.wireDataChannel(dc)
		})
	}

	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()
	return pc, nil
}

func (m *Manager) wireDataChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.dc = dc
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.logger.Info("Data channel opened", zap.String("label", dc.Label()))
		if m.onChannelOpen != nil {
			m.onChannelOpen(dc)
		}
	})
	dc.OnClose(func() {
		m.logger.Info("Data channel closed", zap.String("label", dc.Label()))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onChannelMessage != nil {
			m.onChannelMessage(msg.Data)
		}
	})
}

// fail transitions to failed exactly once and notifies the failure callback
// so the transfer queue halts and the disconnect controller takes over.
func (m *Manager) fail(reason string) {
	m.mu.Lock()
	if m.state == StateFailed || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	m.mu.Unlock()

	m.logger.Warn("Connection failed", zap.String("reason", reason))
	m.notifyState(StateFailed)
	if m.onFailure != nil {
		m.onFailure(reason)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	m.notifyState(state)
}

func (m *Manager) notifyState(state State) {
	if m.onStateChange != nil {
		m.onStateChange(state)
	}
}
