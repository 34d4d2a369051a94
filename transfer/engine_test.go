package transfer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// fakeChannel records frames and simulates buffered-amount drain.
type fakeChannel struct {
	mu       sync.Mutex
	frames   [][]byte
	open     bool
	buffered uint64
	// drainPerPoll is subtracted from buffered on each BufferedAmount call
	// to model the network draining while the engine polls.
	drainPerPoll uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true}
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffered > c.drainPerPoll {
		c.buffered -= c.drainPerPoll
	} else if c.drainPerPoll > 0 {
		c.buffered = 0
	}
	return c.buffered
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *fakeChannel) setBuffered(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = n
}

func (c *fakeChannel) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeChannel) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// fastConfig keeps the protocol's framing thresholds but squeezes the pacing
// delays so tests run quickly.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainPollInterval = time.Millisecond
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.InterFileDelay = time.Millisecond
	cfg.PostFrameDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, ch Channel) *Engine {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	e := NewEngine(logger, cfg, ch)
	t.Cleanup(e.Stop)
	return e
}

func waitStatus(t *testing.T, entry *QueueEntry, want EntryStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if entry.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("entry %q stuck in %q, want %q (err=%q)", entry.Name, entry.Status(), want, entry.Err())
}

func TestSmallFileGoesOutAsSingleEnvelope(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, fastConfig(), ch)
	e.Start()

	payload := []byte("hello, peer")
	entry := e.QueueFile("note.txt", "text/plain", payload)
	waitStatus(t, entry, StatusSent)

	require.Equal(t, 1, ch.frameCount())
	var msg common.FileMessage
	require.NoError(t, json.Unmarshal(ch.snapshot()[0], &msg))
	assert.Equal(t, common.DataFile, msg.Type)
	assert.Equal(t, "note.txt", msg.Name)
	assert.Equal(t, int64(len(payload)), msg.Size)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), msg.Data)
}

func TestLargeFileIsChunkedWithIncreasingIndices(t *testing.T) {
	// 500KB against the 200KB chunk threshold: one file_start followed by
	// ceil(encodedLength/chunkSize) chunks with chunkIndex 0..N-1.
	ch := newFakeChannel()
	cfg := fastConfig()
	e := newTestEngine(t, cfg, ch)
	e.Start()

	payload := make([]byte, 500*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	entry := e.QueueFile("big.bin", "application/octet-stream", payload)
	waitStatus(t, entry, StatusSent)

	encodedLen := base64.StdEncoding.EncodedLen(len(payload))
	wantChunks := (encodedLen + cfg.ChunkSize - 1) / cfg.ChunkSize

	frames := ch.snapshot()
	require.Equal(t, 1+wantChunks, len(frames))

	var start common.FileStartMessage
	require.NoError(t, json.Unmarshal(frames[0], &start))
	assert.Equal(t, common.DataFileStart, start.Type)
	assert.Equal(t, wantChunks, start.TotalChunks)
	assert.NotEmpty(t, start.FileID)

	var rebuilt string
	for i, frame := range frames[1:] {
		var chunk common.FileChunkMessage
		require.NoError(t, json.Unmarshal(frame, &chunk))
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, start.FileID, chunk.FileID)
		assert.Equal(t, wantChunks, chunk.TotalChunks)
		assert.LessOrEqual(t, len(chunk.Data), cfg.ChunkSize)
		rebuilt += chunk.Data
	}

	decoded, err := base64.StdEncoding.DecodeString(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSingleFlightOrdering(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, fastConfig(), ch)

	var mu sync.Mutex
	var sendingSeen int
	var maxConcurrent int
	e.OnStatusChange(func(entry *QueueEntry) {
		mu.Lock()
		defer mu.Unlock()
		switch entry.Status() {
		case StatusSending:
			sendingSeen++
			if sendingSeen > maxConcurrent {
				maxConcurrent = sendingSeen
			}
		case StatusSent, StatusError:
			sendingSeen--
		}
	})
	e.Start()

	entries := []*QueueEntry{
		e.QueueFile("a.txt", "text/plain", []byte("aaa")),
		e.QueueFile("b.txt", "text/plain", []byte("bbb")),
		e.QueueFile("c.txt", "text/plain", []byte("ccc")),
	}
	for _, entry := range entries {
		waitStatus(t, entry, StatusSent)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent, "more than one file in flight")

	// FIFO on the wire.
	frames := ch.snapshot()
	require.Equal(t, 3, len(frames))
	names := make([]string, 0, 3)
	for _, frame := range frames {
		var msg common.FileMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		names = append(names, msg.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names)
}

func TestClosedChannelDefersSending(t *testing.T) {
	ch := newFakeChannel()
	ch.setOpen(false)
	e := newTestEngine(t, fastConfig(), ch)
	e.Start()

	entry := e.QueueFile("wait.txt", "text/plain", []byte("data"))

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, 0, ch.frameCount(), "sent while channel closed")
	assert.Equal(t, StatusQueued, entry.Status())

	ch.setOpen(true)
	waitStatus(t, entry, StatusSent)
}

func TestBackpressureWaitsForLowWaterMark(t *testing.T) {
	ch := newFakeChannel()
	cfg := fastConfig()
	e := newTestEngine(t, cfg, ch)
	e.Start()

	// Above the low-water mark but below high water: the file is dequeued,
	// then the drain wait holds the send until the buffer empties.
	ch.setBuffered(cfg.LowWaterMark + 1024)
	entry := e.QueueFile("held.txt", "text/plain", []byte("data"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ch.frameCount(), "sent while above low-water mark")

	ch.setBuffered(0)
	waitStatus(t, entry, StatusSent)
}

func TestBackpressureBoundProceedsWithWarning(t *testing.T) {
	ch := newFakeChannel()
	cfg := fastConfig()
	cfg.MaxDrainWaits = 3
	e := newTestEngine(t, cfg, ch)
	e.Start()

	// Never drains: the bounded wait must give up and send anyway.
	ch.setBuffered(cfg.LowWaterMark + 1)
	ch.mu.Lock()
	ch.drainPerPoll = 0
	ch.mu.Unlock()

	entry := e.QueueFile("stubborn.txt", "text/plain", []byte("data"))
	waitStatus(t, entry, StatusSent)
}

func TestCancelAllErrorsQueuedEntries(t *testing.T) {
	ch := newFakeChannel()
	cfg := fastConfig()
	e := newTestEngine(t, cfg, ch)
	e.Start()

	// Hold the in-flight entry at the drain checkpoint.
	ch.setBuffered(cfg.LowWaterMark + 1024)

	first := e.QueueFile("inflight.txt", "text/plain", []byte("data"))
	second := e.QueueFile("queued1.txt", "text/plain", []byte("data"))
	third := e.QueueFile("queued2.txt", "text/plain", []byte("data"))

	waitStatus(t, first, StatusSending)
	e.CancelAll()
	e.CancelAll() // idempotent

	waitStatus(t, first, StatusError)
	waitStatus(t, second, StatusError)
	waitStatus(t, third, StatusError)
	assert.Contains(t, first.Err(), "cancelled")
	assert.Equal(t, 0, e.QueueLength())

	// The engine still works after a cancel.
	ch.setBuffered(0)
	again := e.QueueFile("after.txt", "text/plain", []byte("data"))
	waitStatus(t, again, StatusSent)
}

func TestFailMarksEntriesWithConnectionError(t *testing.T) {
	ch := newFakeChannel()
	cfg := fastConfig()
	e := newTestEngine(t, cfg, ch)
	e.Start()

	ch.setBuffered(cfg.LowWaterMark + 1024)
	inflight := e.QueueFile("inflight.bin", "application/octet-stream", []byte("data"))
	queued := e.QueueFile("queued.bin", "application/octet-stream", []byte("data"))

	waitStatus(t, inflight, StatusSending)
	e.Fail("peer disconnected")

	waitStatus(t, inflight, StatusError)
	waitStatus(t, queued, StatusError)
	assert.Contains(t, inflight.Err(), "connection failed")
	assert.Contains(t, queued.Err(), "peer disconnected")
}

func TestEntryStateReadableWhileSending(t *testing.T) {
	ch := newFakeChannel()
	e := newTestEngine(t, fastConfig(), ch)
	e.Start()

	payload := make([]byte, 500*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	entry := e.QueueFile("watched.bin", "application/octet-stream", payload)

	// Hammer the accessors from another goroutine while the engine moves the
	// entry through its states; the entry must stay safe to observe.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry.Status() != StatusSent && entry.Status() != StatusError {
			_ = entry.Err()
			time.Sleep(time.Millisecond)
		}
	}()

	waitStatus(t, entry, StatusSent)
	<-done
	assert.Empty(t, entry.Err())
}

func TestOneBadFileDoesNotHaltQueue(t *testing.T) {
	ch := newFakeChannel()
	cfg := fastConfig()
	e := newTestEngine(t, cfg, ch)
	e.Start()

	// Close the channel under the first entry's drain wait, then reopen for
	// the second.
	ch.setBuffered(cfg.LowWaterMark + 1024)
	first := e.QueueFile("doomed.txt", "text/plain", []byte("data"))
	waitStatus(t, first, StatusSending)

	ch.setOpen(false)
	waitStatus(t, first, StatusError)

	ch.setOpen(true)
	ch.setBuffered(0)
	second := e.QueueFile("fine.txt", "text/plain", []byte("data"))
	waitStatus(t, second, StatusSent)
}
