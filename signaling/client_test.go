package signaling_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
	"github.com/TFMV/beamdrop/relay"
	"github.com/TFMV/beamdrop/signaling"
)

// startRelay serves a real relay over httptest and returns its ws:// base
// URL.
func startRelay(t *testing.T) string {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	srv := httptest.NewServer(relay.NewServer(logger, 0).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url, session string, role common.PeerRole, transport signaling.Transport) *signaling.Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	c := signaling.NewClient(logger, signaling.Config{
		ServerURL: url,
		SessionID: session,
		Role:      role,
		Transport: transport,
	})
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, ch <-chan signaling.Message, what string) signaling.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return signaling.Message{}
	}
}

func TestPairingAcrossBothTransports(t *testing.T) {
	// The two adapters speak different framings to the same relay; pairing
	// and forwarding must work identically for any combination.
	for name, transports := range map[string][2]signaling.Transport{
		"both_raw":        {signaling.TransportSocket, signaling.TransportSocket},
		"both_event":      {signaling.TransportEvent, signaling.TransportEvent},
		"mixed_transport": {signaling.TransportSocket, signaling.TransportEvent},
	} {
		t.Run(name, func(t *testing.T) {
			url := startRelay(t)

			pc := newClient(t, url, "abc123", common.RolePC, transports[0])
			mobile := newClient(t, url, "abc123", common.RoleMobile, transports[1])

			pcPaired := make(chan signaling.Message, 1)
			mobilePaired := make(chan signaling.Message, 1)
			pc.On(signaling.EventPeerConnected, func(m signaling.Message) { pcPaired <- m })
			mobile.On(signaling.EventPeerConnected, func(m signaling.Message) { mobilePaired <- m })

			mobileOffer := make(chan signaling.Message, 1)
			mobile.On(signaling.EventOffer, func(m signaling.Message) { mobileOffer <- m })

			require.NoError(t, pc.Connect())
			require.NoError(t, mobile.Connect())

			waitFor(t, pcPaired, "pc peer_connected")
			waitFor(t, mobilePaired, "mobile peer_connected")

			pc.SendOffer(json.RawMessage(`{"type":"offer","sdp":"X"}`))
			got := waitFor(t, mobileOffer, "offer at mobile")
			assert.JSONEq(t, `{"type":"offer","sdp":"X"}`, string(got.Payload))
		})
	}
}

func TestPeerDisconnectedCarriesRole(t *testing.T) {
	url := startRelay(t)

	pc := newClient(t, url, "abc123", common.RolePC, signaling.TransportSocket)
	mobile := newClient(t, url, "abc123", common.RoleMobile, signaling.TransportSocket)

	gone := make(chan signaling.Message, 1)
	pc.On(signaling.EventPeerDisconnected, func(m signaling.Message) { gone <- m })

	require.NoError(t, pc.Connect())
	require.NoError(t, mobile.Connect())

	mobile.Disconnect()
	msg := waitFor(t, gone, "mobile_disconnected at pc")
	assert.Equal(t, common.RoleMobile, msg.Role)
}

func TestConnectIsIdempotent(t *testing.T) {
	url := startRelay(t)
	pc := newClient(t, url, "abc123", common.RolePC, signaling.TransportSocket)

	require.NoError(t, pc.Connect())
	require.NoError(t, pc.Connect())
	assert.True(t, pc.Connected())

	pc.Disconnect()
	pc.Disconnect()
	assert.False(t, pc.Connected())
}

func TestSendWhileDisconnectedIsNonFatal(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := signaling.NewClient(logger, signaling.Config{
		ServerURL: "ws://127.0.0.1:1",
		SessionID: "abc123",
		Role:      common.RolePC,
	})

	// Logged warning only; no panic, no error surfaced.
	c.SendOffer(json.RawMessage(`{"sdp":"X"}`))
	c.SendICECandidate(nil)
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	url := startRelay(t)

	pc := newClient(t, url, "abc123", common.RolePC, signaling.TransportSocket)
	mobile := newClient(t, url, "abc123", common.RoleMobile, signaling.TransportSocket)

	pc.On(signaling.EventPeerConnected, func(signaling.Message) { panic("boom") })
	ok := make(chan signaling.Message, 1)
	pc.On(signaling.EventPeerConnected, func(m signaling.Message) { ok <- m })

	require.NoError(t, pc.Connect())
	require.NoError(t, mobile.Connect())
	waitFor(t, ok, "second handler despite panic in first")
}

func TestOffRemovesHandler(t *testing.T) {
	url := startRelay(t)

	pc := newClient(t, url, "abc123", common.RolePC, signaling.TransportSocket)
	mobile := newClient(t, url, "abc123", common.RoleMobile, signaling.TransportSocket)

	fired := make(chan signaling.Message, 1)
	id := pc.On(signaling.EventPeerConnected, func(m signaling.Message) { fired <- m })
	pc.Off(signaling.EventPeerConnected, id)

	kept := make(chan signaling.Message, 1)
	pc.On(signaling.EventPeerConnected, func(m signaling.Message) { kept <- m })

	require.NoError(t, pc.Connect())
	require.NoError(t, mobile.Connect())

	waitFor(t, kept, "remaining handler")
	select {
	case <-fired:
		t.Fatal("removed handler still fired")
	default:
	}
}
