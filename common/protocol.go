package common

import "encoding/json"

// PeerRole identifies which side of a pairing a connection represents.
type PeerRole string

const (
	// RolePC is the initiating side that generates the session and offers.
	RolePC PeerRole = "pc"
	// RoleMobile is the joining side that scans the pairing code and answers.
	RoleMobile PeerRole = "mobile"
)

// Valid reports whether the role is one of the two defined roles.
func (r PeerRole) Valid() bool {
	return r == RolePC || r == RoleMobile
}

// Other returns the opposite role.
func (r PeerRole) Other() PeerRole {
	if r == RolePC {
		return RoleMobile
	}
	return RolePC
}

// Relay message types exchanged as JSON text frames.
const (
	MsgJoin               = "join"
	MsgJoined             = "joined"
	MsgPeerConnected      = "peer_connected"
	MsgOffer              = "webrtc_offer"
	MsgAnswer             = "webrtc_answer"
	MsgICECandidate       = "ice_candidate"
	MsgPCDisconnected     = "pc_disconnected"
	MsgMobileDisconnected = "mobile_disconnected"
	MsgPing               = "ping"
	MsgPong               = "pong"
	MsgError              = "error"
)

// Envelope is the relay wire envelope. Offer, answer and candidate payloads
// are opaque to the relay and carried as raw JSON.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	PeerType  PeerRole        `json:"peer_type,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ErrorEnvelope builds an error envelope for the given sender-facing message.
func ErrorEnvelope(message string) *Envelope {
	return &Envelope{Type: MsgError, Message: message}
}

// DisconnectType returns the notification type emitted to remaining members
// when a peer of the given role leaves a session.
func DisconnectType(role PeerRole) string {
	if role == RolePC {
		return MsgPCDisconnected
	}
	return MsgMobileDisconnected
}

// Data-channel application message types.
const (
	DataFile      = "file"
	DataFileStart = "file_start"
	DataFileChunk = "file_chunk"
)

// FileMessage is a whole file in a single data-channel frame. Data is the
// file's bytes encoded as base64.
type FileMessage struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	FileType string `json:"fileType"`
	Data     string `json:"data"`
}

// FileStartMessage announces a chunked transfer. TotalChunks slices of the
// base64 encoding follow as FileChunkMessage frames on the same channel.
type FileStartMessage struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

// FileChunkMessage carries one slice of a chunked transfer's base64 data.
type FileChunkMessage struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// DataMessageType peeks at the type discriminator of a data-channel frame
// without decoding the full payload.
func DataMessageType(frame []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}
