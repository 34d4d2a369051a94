package transfer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// Disposition is the tri-state a received file moves through under explicit
// user action.
type Disposition string

const (
	// DispositionPending means the file awaits an accept or reject.
	DispositionPending Disposition = "pending"
	// DispositionAccepted means the file was saved.
	DispositionAccepted Disposition = "accepted"
	// DispositionRejected means the file was discarded without saving.
	DispositionRejected Disposition = "rejected"
)

// ReceivedFile is one fully reassembled inbound file.
type ReceivedFile struct {
	ID          string
	Name        string
	Size        int64
	FileType    string
	Data        []byte
	Disposition Disposition
	SavedPath   string
}

// Saver is the external file-save collaborator invoked on accept.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// assembly is one in-progress chunked transfer keyed by the sender's file
// id. written tracks slot occupancy explicitly: the slot data itself cannot
// double as the marker, since a sender may deliver an empty slice.
type assembly struct {
	fileName    string
	fileSize    int64
	fileType    string
	totalChunks int
	slots       []string
	written     []bool
	received    int
}

// ErrUnknownFile indicates a disposition action referenced a file id that is
// not in the received list.
var ErrUnknownFile = errors.New("unknown received file")

// Receiver reassembles inbound data-channel frames into received-file
// records and tracks their disposition. One Receiver per peer connection.
type Receiver struct {
	logger *zap.Logger
	saver  Saver

	mu         sync.Mutex
	assemblies map[string]*assembly
	files      []*ReceivedFile

	onReceived func(f *ReceivedFile)
}

// NewReceiver creates a receiver that saves accepted files through the given
// collaborator.
func NewReceiver(logger *zap.Logger, saver Saver) *Receiver {
	return &Receiver{
		logger:     logger,
		saver:      saver,
		assemblies: make(map[string]*assembly),
	}
}

// OnReceived registers the callback fired when a file finishes reassembly.
// Set before frames start arriving.
func (r *Receiver) OnReceived(fn func(f *ReceivedFile)) {
	r.onReceived = fn
}

// HandleFrame dispatches one inbound data-channel text frame.
func (r *Receiver) HandleFrame(frame []byte) error {
	msgType, err := common.DataMessageType(frame)
	if err != nil {
		return fmt.Errorf("undecodable data frame: %w", err)
	}

	switch msgType {
	case common.DataFile:
		return r.handleFile(frame)
	case common.DataFileStart:
		return r.handleStart(frame)
	case common.DataFileChunk:
		return r.handleChunk(frame)
	default:
		r.logger.Warn("Unknown data message type", zap.String("type", msgType))
		return nil
	}
}

func (r *Receiver) handleFile(frame []byte) error {
	var msg common.FileMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("invalid file message: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return fmt.Errorf("invalid base64 payload for %s: %w", msg.Name, err)
	}

	r.complete(msg.Name, msg.Size, msg.FileType, data)
	return nil
}

func (r *Receiver) handleStart(frame []byte) error {
	var msg common.FileStartMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("invalid file_start message: %w", err)
	}
	if msg.TotalChunks <= 0 {
		return fmt.Errorf("file_start for %s with non-positive totalChunks %d", msg.FileName, msg.TotalChunks)
	}

	r.mu.Lock()
	r.assemblies[msg.FileID] = &assembly{
		fileName:    msg.FileName,
		fileSize:    msg.FileSize,
		fileType:    msg.FileType,
		totalChunks: msg.TotalChunks,
		slots:       make([]string, msg.TotalChunks),
		written:     make([]bool, msg.TotalChunks),
	}
	r.mu.Unlock()

	r.logger.Info("Chunked transfer starting",
		zap.String("fileID", msg.FileID),
		zap.String("name", msg.FileName),
		zap.Int("totalChunks", msg.TotalChunks))
	return nil
}

// handleChunk writes the slice into its slot. Writes are idempotent by
// index: only the first write to a slot moves the received count, so a
// duplicate redelivery can neither complete the file early nor overwrite a
// slot undetected.
func (r *Receiver) handleChunk(frame []byte) error {
	var msg common.FileChunkMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("invalid file_chunk message: %w", err)
	}

	r.mu.Lock()
	asm, ok := r.assemblies[msg.FileID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Chunk for unknown transfer", zap.String("fileID", msg.FileID))
		return nil
	}

	if msg.ChunkIndex < 0 || msg.ChunkIndex >= asm.totalChunks {
		r.mu.Unlock()
		r.logger.Warn("Chunk index out of range",
			zap.String("fileID", msg.FileID),
			zap.Int("chunkIndex", msg.ChunkIndex),
			zap.Int("totalChunks", asm.totalChunks))
		return nil
	}

	if asm.written[msg.ChunkIndex] {
		r.mu.Unlock()
		r.logger.Warn("Duplicate chunk ignored",
			zap.String("fileID", msg.FileID),
			zap.Int("chunkIndex", msg.ChunkIndex))
		return nil
	}

	asm.slots[msg.ChunkIndex] = msg.Data
	asm.written[msg.ChunkIndex] = true
	asm.received++
	done := asm.received == asm.totalChunks
	var encoded string
	if done {
		delete(r.assemblies, msg.FileID)
		encoded = strings.Join(asm.slots, "")
	}
	r.mu.Unlock()

	if !done {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid reassembled payload for %s: %w", asm.fileName, err)
	}

	r.logger.Info("All chunks received", zap.String("name", asm.fileName))
	r.complete(asm.fileName, asm.fileSize, asm.fileType, data)
	return nil
}

func (r *Receiver) complete(name string, size int64, fileType string, data []byte) {
	f := &ReceivedFile{
		ID:          uuid.New().String(),
		Name:        name,
		Size:        size,
		FileType:    fileType,
		Data:        data,
		Disposition: DispositionPending,
	}

	r.mu.Lock()
	r.files = append(r.files, f)
	r.mu.Unlock()

	r.logger.Info("File received", zap.String("name", name), zap.Int("bytes", len(data)))
	if r.onReceived != nil {
		r.onReceived(f)
	}
}

// Accept saves a pending file through the saver and marks it accepted.
func (r *Receiver) Accept(id string) error {
	f, err := r.pendingByID(id)
	if err != nil {
		return err
	}

	path, err := r.saver.Save(f.Name, f.Data)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", f.Name, err)
	}

	r.mu.Lock()
	f.Disposition = DispositionAccepted
	f.SavedPath = path
	r.mu.Unlock()

	r.logger.Info("File accepted", zap.String("name", f.Name), zap.String("path", path))
	return nil
}

// Reject marks a pending file rejected without saving.
func (r *Receiver) Reject(id string) error {
	f, err := r.pendingByID(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	f.Disposition = DispositionRejected
	r.mu.Unlock()

	r.logger.Info("File rejected", zap.String("name", f.Name))
	return nil
}

// AcceptAll applies Accept to every currently-pending file. The first save
// failure stops the sweep and is returned.
func (r *Receiver) AcceptAll() error {
	for _, f := range r.Pending() {
		if err := r.Accept(f.ID); err != nil {
			return err
		}
	}
	return nil
}

// RejectAll applies Reject to every currently-pending file.
func (r *Receiver) RejectAll() {
	for _, f := range r.Pending() {
		// Only fails for an unknown id, which Pending just returned.
		_ = r.Reject(f.ID)
	}
}

// ClearProcessed removes accepted and rejected records, leaving the
// genuinely pending ones. Returns how many were removed.
func (r *Receiver) ClearProcessed() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.files[:0]
	removed := 0
	for _, f := range r.files {
		if f.Disposition == DispositionPending {
			kept = append(kept, f)
		} else {
			removed++
		}
	}
	r.files = kept
	return removed
}

// Files returns a snapshot of all received records.
func (r *Receiver) Files() []*ReceivedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ReceivedFile, len(r.files))
	copy(out, r.files)
	return out
}

// Pending returns a snapshot of the records still awaiting disposition.
func (r *Receiver) Pending() []*ReceivedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ReceivedFile
	for _, f := range r.files {
		if f.Disposition == DispositionPending {
			out = append(out, f)
		}
	}
	return out
}

func (r *Receiver) pendingByID(id string) (*ReceivedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.ID == id {
			if f.Disposition != DispositionPending {
				return nil, fmt.Errorf("file %s already %s", f.Name, f.Disposition)
			}
			return f, nil
		}
	}
	return nil, ErrUnknownFile
}
