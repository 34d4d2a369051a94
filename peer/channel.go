package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// channelHolder adapts a data channel to the transfer engine's outbound
// interface. It exists before the channel does: the engine is built at
// connect time so files can be queued immediately, and the holder reports
// closed until negotiation hands it a live channel. The engine's own retry
// loop does the waiting.
type channelHolder struct {
	mu sync.RWMutex
	dc *webrtc.DataChannel
}

func newChannelHolder() *channelHolder {
	return &channelHolder{}
}

// bind attaches a live data channel to the holder.
func (h *channelHolder) bind(dc *webrtc.DataChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dc = dc
}

// Send writes one text frame to the channel.
func (h *channelHolder) Send(frame []byte) error {
	h.mu.RLock()
	dc := h.dc
	h.mu.RUnlock()
	if dc == nil {
		return fmt.Errorf("data channel not established")
	}
	return dc.SendText(string(frame))
}

// BufferedAmount reports the bytes queued on the channel but not yet handed
// to the transport.
func (h *channelHolder) BufferedAmount() uint64 {
	h.mu.RLock()
	dc := h.dc
	h.mu.RUnlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// IsOpen reports whether the channel is attached and open.
func (h *channelHolder) IsOpen() bool {
	h.mu.RLock()
	dc := h.dc
	h.mu.RUnlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}
