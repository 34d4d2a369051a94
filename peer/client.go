package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
	"github.com/TFMV/beamdrop/signaling"
	"github.com/TFMV/beamdrop/transfer"
)

// ClientConfig carries everything one peer needs to join a session and move
// files.
type ClientConfig struct {
	ServerURL  string              `json:"server_url"`
	SessionID  string              `json:"session_id"`
	Role       common.PeerRole     `json:"role"`
	Transport  signaling.Transport `json:"transport"`
	WebRTC     WebRTCConfig        `json:"webrtc"`
	Transfer   transfer.Config     `json:"transfer"`
	Controller ControllerConfig    `json:"controller"`
	// DownloadDir is where accepted files are written.
	DownloadDir string `json:"download_dir"`
}

// DefaultClientConfig returns a default peer configuration for the given
// session coordinates.
func DefaultClientConfig(serverURL, sessionID string, role common.PeerRole) ClientConfig {
	return ClientConfig{
		ServerURL:   serverURL,
		SessionID:   sessionID,
		Role:        role,
		Transport:   signaling.TransportSocket,
		WebRTC:      DefaultWebRTCConfig(),
		Transfer:    transfer.DefaultConfig(),
		Controller:  DefaultControllerConfig(),
		DownloadDir: "downloads",
	}
}

// Client owns one peer's full stack: signaling client, connection manager,
// transfer engine, receiver and disconnect controller. The receiver and the
// controller live as long as the Client; the signaling client, manager and
// engine are rebuilt from scratch on every connection attempt, so a
// reconnect never reuses half-torn-down transport state.
type Client struct {
	logger   *zap.Logger
	cfg      ClientConfig
	ctrl     *Controller
	receiver *transfer.Receiver

	mu      sync.Mutex
	sig     *signaling.Client
	manager *Manager
	engine  *transfer.Engine
	holder  *channelHolder

	onPeerState func(state State)
	onStatus    func(entry *transfer.QueueEntry)
	onProgress  func(entry *transfer.QueueEntry, sentChunks, totalChunks int)
}

// NewClient creates a peer client. The download directory is created if it
// does not exist.
func NewClient(logger *zap.Logger, cfg ClientConfig) (*Client, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid peer role: %q", cfg.Role)
	}
	saver, err := transfer.NewDirSaver(logger, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare download directory: %w", err)
	}

	c := &Client{
		logger:   logger,
		cfg:      cfg,
		receiver: transfer.NewReceiver(logger, saver),
		ctrl:     NewController(logger, cfg.Controller),
	}
	c.ctrl.SetCallbacks(c.confirmDisconnect, c.reconnect)
	return c, nil
}

// OnPeerState sets a callback invoked on connection state transitions. Call
// before Connect.
func (c *Client) OnPeerState(fn func(state State)) {
	c.onPeerState = fn
}

// OnTransferStatus sets a callback for queue entry status changes. It
// carries over to the engines built on reconnects. Call before Connect.
func (c *Client) OnTransferStatus(fn func(entry *transfer.QueueEntry)) {
	c.onStatus = fn
}

// OnTransferProgress sets a per-chunk progress callback. It carries over to
// the engines built on reconnects. Call before Connect.
func (c *Client) OnTransferProgress(fn func(entry *transfer.QueueEntry, sentChunks, totalChunks int)) {
	c.onProgress = fn
}

// Receiver returns the inbound file store shared across reconnects.
func (c *Client) Receiver() *transfer.Receiver {
	return c.receiver
}

// Controller returns the disconnect controller.
func (c *Client) Controller() *Controller {
	return c.ctrl
}

// Engine returns the current transfer engine, or nil before the first
// Connect.
func (c *Client) Engine() *transfer.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Connect builds a fresh signaling client, connection manager and transfer
// engine, then joins the session. Files may be queued immediately after
// Connect returns; the engine waits for the data channel to open.
func (c *Client) Connect() error {
	sig := signaling.NewClient(c.logger, signaling.Config{
		ServerURL: c.cfg.ServerURL,
		SessionID: c.cfg.SessionID,
		Role:      c.cfg.Role,
		Transport: c.cfg.Transport,
	})
	manager := NewManager(c.logger, c.cfg.WebRTC, c.cfg.Role, sig)
	holder := newChannelHolder()
	engine := transfer.NewEngine(c.logger, c.cfg.Transfer, holder)
	if c.onStatus != nil {
		engine.OnStatusChange(c.onStatus)
	}
	if c.onProgress != nil {
		engine.OnProgress(c.onProgress)
	}

	manager.SetCallbacks(
		c.handlePeerState,
		func(dc *webrtc.DataChannel) {
			holder.bind(dc)
			c.ctrl.Reset()
			engine.Start()
		},
		func(data []byte) {
			if err := c.receiver.HandleFrame(data); err != nil {
				c.logger.Warn("Dropped inbound frame", zap.Error(err))
			}
		},
		func(reason string) {
			engine.Fail(reason)
			c.ctrl.Trigger(reason)
		},
	)
	if err := manager.Bind(); err != nil {
		return err
	}

	sig.On(signaling.EventPeerDisconnected, func(msg signaling.Message) {
		c.ctrl.Trigger(fmt.Sprintf("%s peer disconnected", msg.Role))
	})
	sig.On(signaling.EventDisconnect, func(signaling.Message) {
		c.ctrl.Trigger("signaling connection lost")
	})

	c.mu.Lock()
	c.sig = sig
	c.manager = manager
	c.engine = engine
	c.holder = holder
	c.mu.Unlock()

	if err := sig.Connect(); err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	c.logger.Info("Joined session",
		zap.String("session_id", c.cfg.SessionID),
		zap.String("role", string(c.cfg.Role)))
	return nil
}

// QueueFile enqueues a file for sending.
func (c *Client) QueueFile(name, fileType string, data []byte) (*transfer.QueueEntry, error) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return nil, fmt.Errorf("not connected")
	}
	return engine.QueueFile(name, fileType, data), nil
}

// CancelTransfers cancels all queued transfers.
func (c *Client) CancelTransfers() {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.CancelAll()
	}
}

// Reconnect starts the reconnect countdown after a confirmed disconnect.
func (c *Client) Reconnect() {
	c.ctrl.Reconnect()
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.ctrl.Reset()
	c.teardown("client closed")
}

func (c *Client) handlePeerState(state State) {
	if state == StateConnected {
		c.ctrl.ConnectivityRestored()
	}
	if c.onPeerState != nil {
		c.onPeerState(state)
	}
}

// confirmDisconnect runs when the controller's debounce expires: tear the
// whole per-connection stack down so the next attempt starts clean.
func (c *Client) confirmDisconnect(reason string) {
	c.teardown(reason)
}

func (c *Client) teardown(reason string) {
	c.mu.Lock()
	sig := c.sig
	manager := c.manager
	engine := c.engine
	c.sig = nil
	c.manager = nil
	c.engine = nil
	c.holder = nil
	c.mu.Unlock()

	if engine != nil {
		engine.Fail(reason)
		engine.Stop()
	}
	if manager != nil {
		manager.Close()
	}
	if sig != nil {
		sig.Disconnect()
	}
}

func (c *Client) reconnect() {
	if err := c.Connect(); err != nil {
		c.logger.Error("Reconnect attempt failed", zap.Error(err))
		c.ctrl.Trigger("reconnect failed: " + err.Error())
	}
}
