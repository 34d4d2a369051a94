package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerRole(t *testing.T) {
	assert.True(t, RolePC.Valid())
	assert.True(t, RoleMobile.Valid())
	assert.False(t, PeerRole("tablet").Valid())
	assert.False(t, PeerRole("").Valid())

	assert.Equal(t, RoleMobile, RolePC.Other())
	assert.Equal(t, RolePC, RoleMobile.Other())
}

func TestDisconnectType(t *testing.T) {
	assert.Equal(t, MsgPCDisconnected, DisconnectType(RolePC))
	assert.Equal(t, MsgMobileDisconnected, DisconnectType(RoleMobile))
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(&Envelope{Type: MsgPing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(raw))
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("Session ID and peer type required")
	assert.Equal(t, MsgError, env.Type)
	assert.Equal(t, "Session ID and peer type required", env.Message)
}

func TestDataMessageType(t *testing.T) {
	typ, err := DataMessageType([]byte(`{"type":"file_chunk","fileId":"x","chunkIndex":0}`))
	require.NoError(t, err)
	assert.Equal(t, DataFileChunk, typ)

	_, err = DataMessageType([]byte("not json"))
	assert.Error(t, err)
}
