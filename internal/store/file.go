package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileStore persists crosswalk state as a JSON file on disk. The file
// is written with owner-only permissions because the crosswalk is the
// re-identification key for everything scrubbed with it.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileStore{path: path, logger: logger}, nil
}

// Save writes the state to disk, replacing any previous file. The
// write goes through a temporary file so a crash cannot leave a
// truncated crosswalk behind.
func (s *FileStore) Save(ctx context.Context, data []byte) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.logger.Debug("Crosswalk state saved",
		zap.String("path", s.path),
		zap.Int("bytes", len(data)))

	return nil
}

// Load reads the state file. A missing file is not an error; it just
// means no state has been saved yet.
func (s *FileStore) Load(ctx context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to read state file: %w", err)
	}

	return data, true, nil
}

// Close is a no-op for file-backed stores.
func (s *FileStore) Close() error {
	return nil
}
