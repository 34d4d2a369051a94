package transfer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

// memSaver records saves without touching disk.
type memSaver struct {
	saved map[string][]byte
}

func newMemSaver() *memSaver {
	return &memSaver{saved: make(map[string][]byte)}
}

func (s *memSaver) Save(name string, data []byte) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.saved[name] = cp
	return "/downloads/" + name, nil
}

func newTestReceiver(t *testing.T) (*Receiver, *memSaver) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	saver := newMemSaver()
	return NewReceiver(logger, saver), saver
}

func mustFrame(t *testing.T, v any) []byte {
	t.Helper()
	frame, err := json.Marshal(v)
	require.NoError(t, err)
	return frame
}

func chunkFrames(t *testing.T, fileID, name string, payload []byte, chunkSize int) [][]byte {
	t.Helper()
	encoded := base64.StdEncoding.EncodeToString(payload)
	total := (len(encoded) + chunkSize - 1) / chunkSize

	frames := [][]byte{mustFrame(t, common.FileStartMessage{
		Type:        common.DataFileStart,
		FileID:      fileID,
		FileName:    name,
		FileSize:    int64(len(payload)),
		FileType:    "application/octet-stream",
		TotalChunks: total,
	})}

	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		frames = append(frames, mustFrame(t, common.FileChunkMessage{
			Type:        common.DataFileChunk,
			FileID:      fileID,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        encoded[i*chunkSize : end],
		}))
	}
	return frames
}

func TestSingleFrameFile(t *testing.T) {
	r, _ := newTestReceiver(t)

	payload := []byte("small payload")
	frame := mustFrame(t, common.FileMessage{
		Type:     common.DataFile,
		Name:     "note.txt",
		Size:     int64(len(payload)),
		FileType: "text/plain",
		Data:     base64.StdEncoding.EncodeToString(payload),
	})

	require.NoError(t, r.HandleFrame(frame))
	files := r.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "note.txt", files[0].Name)
	assert.Equal(t, payload, files[0].Data)
	assert.Equal(t, DispositionPending, files[0].Disposition)
}

func TestChunkedRoundTripIsByteIdentical(t *testing.T) {
	r, _ := newTestReceiver(t)

	payload := make([]byte, 300*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	for _, frame := range chunkFrames(t, "xfer-1", "big.bin", payload, 64*1024) {
		require.NoError(t, r.HandleFrame(frame))
	}

	files := r.Files()
	require.Len(t, files, 1)
	assert.Equal(t, payload, files[0].Data)
}

func TestDuplicateChunkDoesNotCompleteEarlyOrCorrupt(t *testing.T) {
	r, _ := newTestReceiver(t)

	payload := []byte("0123456789abcdef0123456789abcdef")
	frames := chunkFrames(t, "xfer-dup", "dup.bin", payload, 8)
	require.Greater(t, len(frames), 3)

	require.NoError(t, r.HandleFrame(frames[0]))
	require.NoError(t, r.HandleFrame(frames[1]))

	// Redeliver the first chunk as many times as there are remaining slots:
	// a naive increment-on-every-message would declare the file complete
	// now.
	for i := 0; i < len(frames); i++ {
		require.NoError(t, r.HandleFrame(frames[1]))
	}
	assert.Empty(t, r.Files(), "file completed from duplicate chunks")

	// A corrupted duplicate must not overwrite the first write.
	var tampered common.FileChunkMessage
	require.NoError(t, json.Unmarshal(frames[1], &tampered))
	tampered.Data = base64.StdEncoding.EncodeToString([]byte("XXXXXXXX"))
	require.NoError(t, r.HandleFrame(mustFrame(t, tampered)))

	for _, frame := range frames[2:] {
		require.NoError(t, r.HandleFrame(frame))
	}

	files := r.Files()
	require.Len(t, files, 1)
	assert.Equal(t, payload, files[0].Data)
}

func TestEmptyChunkCannotInflateReceivedCount(t *testing.T) {
	r, _ := newTestReceiver(t)

	require.NoError(t, r.HandleFrame(mustFrame(t, common.FileStartMessage{
		Type:        common.DataFileStart,
		FileID:      "xfer-empty",
		FileName:    "empty.bin",
		FileSize:    32,
		FileType:    "application/octet-stream",
		TotalChunks: 4,
	})))

	// An empty data string must still occupy its slot on first write, so
	// redelivering it cannot move the received count again and complete the
	// file with three slots missing.
	empty := common.FileChunkMessage{
		Type:        common.DataFileChunk,
		FileID:      "xfer-empty",
		ChunkIndex:  0,
		TotalChunks: 4,
		Data:        "",
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, r.HandleFrame(mustFrame(t, empty)))
	}
	assert.Empty(t, r.Files(), "file completed from redeliveries of one empty chunk")
}

func TestOutOfRangeChunkIsDropped(t *testing.T) {
	r, _ := newTestReceiver(t)

	payload := []byte("0123456789abcdef")
	frames := chunkFrames(t, "xfer-oob", "oob.bin", payload, 8)
	require.NoError(t, r.HandleFrame(frames[0]))

	var stray common.FileChunkMessage
	require.NoError(t, json.Unmarshal(frames[1], &stray))
	stray.ChunkIndex = 99
	require.NoError(t, r.HandleFrame(mustFrame(t, stray)))
	stray.ChunkIndex = -1
	require.NoError(t, r.HandleFrame(mustFrame(t, stray)))

	for _, frame := range frames[1:] {
		require.NoError(t, r.HandleFrame(frame))
	}
	require.Len(t, r.Files(), 1)
}

func TestChunkForUnknownTransferIsIgnored(t *testing.T) {
	r, _ := newTestReceiver(t)
	frame := mustFrame(t, common.FileChunkMessage{
		Type:        common.DataFileChunk,
		FileID:      "never-started",
		ChunkIndex:  0,
		TotalChunks: 2,
		Data:        "aGk=",
	})
	require.NoError(t, r.HandleFrame(frame))
	assert.Empty(t, r.Files())
}

func TestDisposition(t *testing.T) {
	r, saver := newTestReceiver(t)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		frame := mustFrame(t, common.FileMessage{
			Type: common.DataFile,
			Name: name,
			Size: 2,
			Data: base64.StdEncoding.EncodeToString([]byte("hi")),
		})
		require.NoError(t, r.HandleFrame(frame))
	}
	files := r.Files()
	require.Len(t, files, 3)

	t.Run("accept saves", func(t *testing.T) {
		require.NoError(t, r.Accept(files[0].ID))
		assert.Equal(t, DispositionAccepted, files[0].Disposition)
		assert.Contains(t, saver.saved, "a.txt")
	})

	t.Run("reject discards", func(t *testing.T) {
		require.NoError(t, r.Reject(files[1].ID))
		assert.Equal(t, DispositionRejected, files[1].Disposition)
		assert.NotContains(t, saver.saved, "b.txt")
	})

	t.Run("double disposition fails", func(t *testing.T) {
		assert.Error(t, r.Accept(files[0].ID))
		assert.Error(t, r.Reject(files[1].ID))
	})

	t.Run("clear processed keeps pending", func(t *testing.T) {
		removed := r.ClearProcessed()
		assert.Equal(t, 2, removed)
		remaining := r.Files()
		require.Len(t, remaining, 1)
		assert.Equal(t, "c.txt", remaining[0].Name)
		assert.Equal(t, DispositionPending, remaining[0].Disposition)
	})

	t.Run("accept all drains pending", func(t *testing.T) {
		require.NoError(t, r.AcceptAll())
		assert.Empty(t, r.Pending())
		assert.Contains(t, saver.saved, "c.txt")
	})
}

func TestUnknownFileID(t *testing.T) {
	r, _ := newTestReceiver(t)
	assert.ErrorIs(t, r.Accept("nope"), ErrUnknownFile)
	assert.ErrorIs(t, r.Reject("nope"), ErrUnknownFile)
}

func TestDirSaverDeconflictsNames(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()
	saver, err := NewDirSaver(logger, filepath.Join(dir, "downloads"))
	require.NoError(t, err)

	first, err := saver.Save("photo.jpg", []byte("one"))
	require.NoError(t, err)
	second, err := saver.Save("photo.jpg", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	got, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}
