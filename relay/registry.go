package relay

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

var (
	// ErrInvalidJoin indicates a join request with a missing session id or an
	// unknown peer role.
	ErrInvalidJoin = errors.New("invalid join request")
	// ErrSessionNotFound indicates an operation referencing a session that no
	// longer exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotJoined indicates a relay operation from a connection that has not
	// joined a session.
	ErrNotJoined = errors.New("connection has not joined a session")
)

// Sender is the relay's view of one peer's persistent connection. The server
// backs it with a websocket; tests back it with an in-memory recorder.
type Sender interface {
	Send(env *common.Envelope) error
}

// Peer is a relay connection handle. SessionID is empty until the connection
// joins; Role is set at join time and immutable afterwards.
type Peer struct {
	Sender
	SessionID string
	Role      common.PeerRole
}

// Session tracks at most one pc and one mobile handle plus the member set
// used for broadcast and cleanup.
type Session struct {
	ID      string
	PC      *Peer
	Mobile  *Peer
	Members map[*Peer]struct{}
}

// Registry maps session ids to their connected peers. All mutation happens
// under one lock so a join or leave is fully applied, fan-out targets
// included, before the next event for the same session is observed.
type Registry struct {
	logger   *zap.Logger
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Join binds a connection into the session's member set and role slot,
// creating the session on first reference. A prior handle for the same role
// is replaced in the slot but stays in the member set until its own
// transport closes. The returned slice is non-nil only when the join
// completed a pairing, and then holds both role handles.
func (r *Registry) Join(p *Peer, sessionID string, role common.PeerRole) ([]*Peer, error) {
	if sessionID == "" || !role.Valid() {
		return nil, ErrInvalidJoin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &Session{
			ID:      sessionID,
			Members: make(map[*Peer]struct{}),
		}
		r.sessions[sessionID] = sess
	}

	sess.Members[p] = struct{}{}
	p.SessionID = sessionID
	p.Role = role

	if role == common.RolePC {
		if sess.PC != nil && sess.PC != p {
			r.logger.Warn("Replacing stale pc handle", zap.String("sessionID", sessionID))
		}
		sess.PC = p
	} else {
		if sess.Mobile != nil && sess.Mobile != p {
			r.logger.Warn("Replacing stale mobile handle", zap.String("sessionID", sessionID))
		}
		sess.Mobile = p
	}

	r.logger.Info("Peer joined session",
		zap.String("sessionID", sessionID),
		zap.String("role", string(role)),
		zap.Int("members", len(sess.Members)))

	if sess.PC != nil && sess.Mobile != nil {
		return []*Peer{sess.PC, sess.Mobile}, nil
	}
	return nil, nil
}

// Others returns every member of the connection's session except the
// connection itself. An empty slice means nobody is listening yet, which is
// not an error.
func (r *Registry) Others(p *Peer) ([]*Peer, error) {
	if p.SessionID == "" {
		return nil, ErrNotJoined
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[p.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	others := make([]*Peer, 0, len(sess.Members))
	for member := range sess.Members {
		if member != p {
			others = append(others, member)
		}
	}
	return others, nil
}

// Leave removes a connection from its session, clears the matching role
// slot, and destroys the session when the member set empties. It returns the
// remaining members so the caller can notify them.
func (r *Registry) Leave(p *Peer) []*Peer {
	if p.SessionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[p.SessionID]
	if !ok {
		return nil
	}

	delete(sess.Members, p)
	if sess.PC == p {
		sess.PC = nil
	}
	if sess.Mobile == p {
		sess.Mobile = nil
	}

	remaining := make([]*Peer, 0, len(sess.Members))
	for member := range sess.Members {
		remaining = append(remaining, member)
	}

	if len(sess.Members) == 0 {
		delete(r.sessions, p.SessionID)
		r.logger.Info("Session removed", zap.String("sessionID", p.SessionID))
	}

	return remaining
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
