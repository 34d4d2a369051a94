package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DirSaver saves accepted files into a fixed directory, deconflicting names
// with a numeric suffix rather than overwriting.
type DirSaver struct {
	logger *zap.Logger
	dir    string
}

// NewDirSaver creates the directory if needed.
func NewDirSaver(logger *zap.Logger, dir string) (*DirSaver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	return &DirSaver{logger: logger, dir: dir}, nil
}

// Save writes the file and returns its path.
func (s *DirSaver) Save(name string, data []byte) (string, error) {
	// Strip any path components a sender might have put in the name.
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "unnamed"
	}

	path := filepath.Join(s.dir, base)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	s.logger.Info("File saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}
