package relay

import (
	"encoding/json"
	"fmt"

	"github.com/TFMV/beamdrop/common"
)

// Codec translates between one wire framing and the internal envelope. The
// relay serves two framings: the raw envelope protocol and the event-framed
// protocol kept for room-transport clients.
type Codec interface {
	Decode(frame []byte) (*common.Envelope, error)
	Encode(env *common.Envelope) ([]byte, error)
}

// RawCodec frames messages as envelopes directly.
type RawCodec struct{}

func (RawCodec) Decode(frame []byte) (*common.Envelope, error) {
	var env common.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &env, nil
}

func (RawCodec) Encode(env *common.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// eventFrame is the event-framed wire shape: a named event plus a payload
// object.
type eventFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type eventPayload struct {
	SessionID string          `json:"session_id,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// EventCodec frames messages in the room-transport vocabulary: role-specific
// join events (pc_join, mobile_join) acknowledged with pc_ready/mobile_ready
// instead of a joined envelope.
type EventCodec struct{}

func (EventCodec) Decode(frame []byte) (*common.Envelope, error) {
	var ef eventFrame
	if err := json.Unmarshal(frame, &ef); err != nil {
		return nil, fmt.Errorf("invalid event frame: %w", err)
	}

	var p eventPayload
	if len(ef.Data) > 0 {
		if err := json.Unmarshal(ef.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid event payload: %w", err)
		}
	}

	switch ef.Event {
	case "pc_join":
		return &common.Envelope{Type: common.MsgJoin, SessionID: p.SessionID, PeerType: common.RolePC}, nil
	case "mobile_join":
		return &common.Envelope{Type: common.MsgJoin, SessionID: p.SessionID, PeerType: common.RoleMobile}, nil
	case common.MsgOffer, common.MsgAnswer, common.MsgICECandidate:
		return &common.Envelope{
			Type:      ef.Event,
			SessionID: p.SessionID,
			Offer:     p.Offer,
			Answer:    p.Answer,
			Candidate: p.Candidate,
		}, nil
	case common.MsgPing:
		return &common.Envelope{Type: common.MsgPing}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", ef.Event)
	}
}

func (EventCodec) Encode(env *common.Envelope) ([]byte, error) {
	ef := eventFrame{Event: env.Type}

	switch env.Type {
	case common.MsgJoined:
		// The room vocabulary acknowledges joins with a role-specific ready
		// event.
		ef.Event = string(env.PeerType) + "_ready"
		data, err := json.Marshal(eventPayload{SessionID: env.SessionID})
		if err != nil {
			return nil, err
		}
		ef.Data = data
	case common.MsgOffer, common.MsgAnswer, common.MsgICECandidate:
		data, err := json.Marshal(eventPayload{
			Offer:     env.Offer,
			Answer:    env.Answer,
			Candidate: env.Candidate,
		})
		if err != nil {
			return nil, err
		}
		ef.Data = data
	case common.MsgError:
		data, err := json.Marshal(eventPayload{Message: env.Message})
		if err != nil {
			return nil, err
		}
		ef.Data = data
	}

	return json.Marshal(ef)
}
