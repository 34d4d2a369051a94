// Package transfer implements the file queueing, chunking and reassembly
// that rides on the direct data channel once the peers are paired.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// EntryStatus is the lifecycle of one queued file.
type EntryStatus string

const (
	// StatusQueued indicates the entry is waiting its turn.
	StatusQueued EntryStatus = "queued"
	// StatusSending indicates the entry is the single in-flight transfer.
	StatusSending EntryStatus = "sending"
	// StatusSent indicates the entry was delivered to the channel in full.
	StatusSent EntryStatus = "sent"
	// StatusError indicates the entry failed; Err holds the cause.
	StatusError EntryStatus = "error"
)

// QueueEntry is one file accepted by the sender. The metadata fields are
// immutable after QueueFile; status and error detail move on the engine
// goroutine and are read through the accessors.
type QueueEntry struct {
	Name     string
	Size     int64
	FileType string
	Data     []byte

	mu     sync.Mutex
	status EntryStatus
	err    string
}

// Status returns the entry's current lifecycle state.
func (q *QueueEntry) Status() EntryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Err returns the human-readable failure detail, empty unless Status is
// StatusError.
func (q *QueueEntry) Err() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *QueueEntry) setState(status EntryStatus, err string) {
	q.mu.Lock()
	q.status = status
	q.err = err
	q.mu.Unlock()
}

// Channel is the engine's view of the direct data transport.
type Channel interface {
	// Send queues one text frame on the transport.
	Send(frame []byte) error
	// BufferedAmount reports bytes queued on the transport but not yet
	// drained to the network.
	BufferedAmount() uint64
	// IsOpen reports whether the transport is open for sending.
	IsOpen() bool
}

// Config tunes the engine's framing and pacing.
type Config struct {
	// ChunkSize is the maximum base64 length carried per frame. A file whose
	// encoded size plus envelope overhead fits under it goes out as a single
	// frame.
	ChunkSize int
	// EnvelopeOverhead approximates the JSON framing added around the
	// payload when deciding whether to chunk.
	EnvelopeOverhead int
	// LowWaterMark is the buffered-byte level sends wait for before
	// proceeding.
	LowWaterMark uint64
	// HighWaterMark is the buffered-byte level above which the loop defers
	// dequeueing the next file.
	HighWaterMark uint64
	// DrainPollInterval is how often the backpressure wait rechecks the
	// buffer.
	DrainPollInterval time.Duration
	// MaxDrainWaits bounds the backpressure wait; past it the send proceeds
	// with a warning rather than stalling forever.
	MaxDrainWaits int
	// RetryInterval is the reschedule delay while the channel is closed or
	// above the high-water mark.
	RetryInterval time.Duration
	// InterFileDelay lets the buffer settle between consecutive files. A
	// pacing heuristic, not a correctness requirement.
	InterFileDelay time.Duration
	// PostFrameDelay follows a start or chunk frame so consecutive sends do
	// not pile onto an undrained buffer.
	PostFrameDelay time.Duration
}

// DefaultConfig returns the engine configuration matching the observed
// throughput and stability characteristics of the protocol.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         200 * 1024,
		EnvelopeOverhead:  500,
		LowWaterMark:      64 * 1024,
		HighWaterMark:     128 * 1024,
		DrainPollInterval: 50 * time.Millisecond,
		MaxDrainWaits:     300,
		RetryInterval:     500 * time.Millisecond,
		InterFileDelay:    300 * time.Millisecond,
		PostFrameDelay:    50 * time.Millisecond,
	}
}

var (
	// ErrCancelled indicates the user cancelled the queue while this entry
	// was waiting or in flight.
	ErrCancelled = errors.New("cancelled by user")
	// ErrChannelClosed indicates the transport closed under an entry.
	ErrChannelClosed = errors.New("data channel is not open")
)

// Engine owns the send queue for one peer connection. At most one file is in
// flight at any instant; every frame is gated by the buffered-amount
// backpressure wait. One Engine is constructed per (re)connect; nothing here
// is process-global.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	channel Channel

	mu        sync.Mutex
	queue     []*QueueEntry
	inFlight  *QueueEntry
	cancelled bool
	abortErr  error

	wake chan struct{}
	ctx  context.Context
	stop context.CancelFunc
	once sync.Once

	onStatus   func(entry *QueueEntry)
	onProgress func(entry *QueueEntry, sentChunks, totalChunks int)
}

// NewEngine creates an engine bound to one data channel.
func NewEngine(logger *zap.Logger, cfg Config, channel Channel) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:  logger,
		cfg:     cfg,
		channel: channel,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		stop:    cancel,
	}
}

// OnStatusChange registers the callback invoked whenever an entry's status
// moves. Set before Start.
func (e *Engine) OnStatusChange(fn func(entry *QueueEntry)) {
	e.onStatus = fn
}

// OnProgress registers the per-chunk progress callback. Set before Start.
func (e *Engine) OnProgress(fn func(entry *QueueEntry, sentChunks, totalChunks int)) {
	e.onProgress = fn
}

// Start launches the queue loop. Calling Start more than once is a no-op.
func (e *Engine) Start() {
	e.once.Do(func() {
		go e.loop()
	})
}

// Stop halts the loop permanently. Queued entries are left as-is; use Fail
// or CancelAll first when they should be marked.
func (e *Engine) Stop() {
	e.stop()
}

// QueueFile appends a file to the queue and wakes the loop. Status is
// reflected as queued immediately.
func (e *Engine) QueueFile(name, fileType string, data []byte) *QueueEntry {
	entry := &QueueEntry{
		Name:     name,
		Size:     int64(len(data)),
		FileType: fileType,
		Data:     data,
		status:   StatusQueued,
	}

	e.mu.Lock()
	e.queue = append(e.queue, entry)
	pending := len(e.queue)
	e.mu.Unlock()

	e.logger.Info("File queued", zap.String("name", name), zap.Int("pending", pending))
	e.notifyStatus(entry)
	e.kick()
	return entry
}

// CancelAll aborts the in-flight transfer at its next wait checkpoint and
// marks it and every queued entry as errored. Idempotent against repeated
// cancel requests.
func (e *Engine) CancelAll() {
	e.failQueue(ErrCancelled)
}

// Fail aborts exactly like CancelAll but attributes entries to a transport
// failure. The peer connection manager calls this on terminal connectivity
// states.
func (e *Engine) Fail(reason string) {
	e.failQueue(fmt.Errorf("connection failed: %s", reason))
}

// QueueLength reports entries waiting, not counting the in-flight one.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) failQueue(cause error) {
	e.mu.Lock()
	drained := e.queue
	e.queue = nil
	if e.inFlight != nil {
		// Observed cooperatively at the next wait checkpoint; an individual
		// in-progress Send cannot be aborted mid-call.
		e.cancelled = true
		e.abortErr = cause
	}
	e.mu.Unlock()

	for _, entry := range drained {
		entry.setState(StatusError, cause.Error())
		e.notifyStatus(entry)
	}
	if len(drained) > 0 {
		e.logger.Warn("Queue drained", zap.Int("entries", len(drained)), zap.String("cause", cause.Error()))
	}
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop processes the queue sequentially. It reschedules itself with a fixed
// backoff while the channel is closed or the buffer sits above the
// high-water mark rather than busy-looping.
func (e *Engine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}

		for {
			if e.ctx.Err() != nil {
				return
			}

			if !e.channel.IsOpen() || e.channel.BufferedAmount() > e.cfg.HighWaterMark {
				if e.QueueLength() == 0 {
					break
				}
				if !e.sleep(e.cfg.RetryInterval) {
					return
				}
				continue
			}

			entry := e.dequeue()
			if entry == nil {
				break
			}

			entry.setState(StatusSending, "")
			e.notifyStatus(entry)

			err := e.sendEntry(entry)
			e.mu.Lock()
			e.inFlight = nil
			wasCancelled := e.cancelled
			abortErr := e.abortErr
			e.cancelled = false
			e.abortErr = nil
			remaining := len(e.queue)
			e.mu.Unlock()

			if err != nil {
				if wasCancelled && abortErr != nil {
					err = abortErr
				}
				entry.setState(StatusError, err.Error())
				e.logger.Error("Failed to send file", zap.String("name", entry.Name), zap.Error(err))
			} else {
				entry.setState(StatusSent, "")
				e.logger.Info("File sent", zap.String("name", entry.Name))
			}
			e.notifyStatus(entry)

			// One bad file must not halt the queue.
			if remaining > 0 {
				if !e.sleep(e.cfg.InterFileDelay) {
					return
				}
			}
		}
	}
}

func (e *Engine) dequeue() *QueueEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	entry := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight = entry
	return entry
}

// sendEntry encodes and transmits one file. Encoding is base64 of the whole
// payload; framing is a single envelope when it fits under the chunk
// threshold, otherwise a start frame plus sequential chunk frames.
func (e *Engine) sendEntry(entry *QueueEntry) error {
	encoded := base64.StdEncoding.EncodeToString(entry.Data)

	if err := e.waitForDrain(); err != nil {
		return err
	}

	if len(encoded)+e.cfg.EnvelopeOverhead <= e.cfg.ChunkSize {
		return e.sendWhole(entry, encoded)
	}
	return e.sendChunked(entry, encoded)
}

func (e *Engine) sendWhole(entry *QueueEntry, encoded string) error {
	frame, err := json.Marshal(common.FileMessage{
		Type:     common.DataFile,
		Name:     entry.Name,
		Size:     entry.Size,
		FileType: entry.FileType,
		Data:     encoded,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal file message: %w", err)
	}
	if err := e.channel.Send(frame); err != nil {
		return fmt.Errorf("failed to send file: %w", err)
	}
	e.notifyProgress(entry, 1, 1)
	return nil
}

func (e *Engine) sendChunked(entry *QueueEntry, encoded string) error {
	totalChunks := (len(encoded) + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	// Reassembly is keyed by this id; a collision corrupts the receive side,
	// so it must be unique per transfer.
	fileID := uuid.New().String()

	e.logger.Info("Sending file in chunks",
		zap.String("name", entry.Name),
		zap.String("fileID", fileID),
		zap.Int("totalChunks", totalChunks))

	start, err := json.Marshal(common.FileStartMessage{
		Type:        common.DataFileStart,
		FileID:      fileID,
		FileName:    entry.Name,
		FileSize:    entry.Size,
		FileType:    entry.FileType,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal start message: %w", err)
	}
	if err := e.channel.Send(start); err != nil {
		return fmt.Errorf("failed to send start message: %w", err)
	}
	if !e.sleep(e.cfg.PostFrameDelay) {
		return ErrCancelled
	}

	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		if err := e.waitForDrain(); err != nil {
			return err
		}

		startOff := chunkIndex * e.cfg.ChunkSize
		endOff := startOff + e.cfg.ChunkSize
		if endOff > len(encoded) {
			endOff = len(encoded)
		}

		frame, err := json.Marshal(common.FileChunkMessage{
			Type:        common.DataFileChunk,
			FileID:      fileID,
			ChunkIndex:  chunkIndex,
			TotalChunks: totalChunks,
			Data:        encoded[startOff:endOff],
		})
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %d: %w", chunkIndex, err)
		}
		if err := e.channel.Send(frame); err != nil {
			return fmt.Errorf("failed to send chunk %d: %w", chunkIndex, err)
		}

		e.notifyProgress(entry, chunkIndex+1, totalChunks)
		if !e.sleep(e.cfg.PostFrameDelay) {
			return ErrCancelled
		}
	}

	return nil
}

// waitForDrain blocks until the transport's buffered bytes drop below the
// low-water mark, the wait bound is exhausted, the queue is cancelled, or
// the channel closes. Exhausting the bound proceeds with a warning.
func (e *Engine) waitForDrain() error {
	waits := 0
	for e.channel.BufferedAmount() > e.cfg.LowWaterMark {
		if e.isCancelled() {
			return ErrCancelled
		}
		if !e.channel.IsOpen() {
			return ErrChannelClosed
		}
		if waits >= e.cfg.MaxDrainWaits {
			e.logger.Warn("Buffer wait bound exhausted, proceeding",
				zap.Uint64("bufferedAmount", e.channel.BufferedAmount()))
			return nil
		}
		if !e.sleep(e.cfg.DrainPollInterval) {
			return ErrCancelled
		}
		waits++
	}

	if e.isCancelled() {
		return ErrCancelled
	}
	if !e.channel.IsOpen() {
		return ErrChannelClosed
	}
	return nil
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// sleep waits unless the engine is stopped; false means stop.
func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) notifyStatus(entry *QueueEntry) {
	if e.onStatus != nil {
		e.onStatus(entry)
	}
}

func (e *Engine) notifyProgress(entry *QueueEntry, sent, total int) {
	if e.onProgress != nil {
		e.onProgress(entry, sent, total)
	}
}
