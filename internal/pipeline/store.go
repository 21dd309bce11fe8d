// Package pipeline persists the pipeline definition as a single flat JSON
// file inside the app directory. The gateway relays its bytes verbatim and
// never interprets the document.
package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
)

// FileName is the pipeline definition file inside the app directory.
const FileName = "app.json"

// Store reads and writes the pipeline definition file.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore binds a store to an app directory.
func NewStore(dir string, logger *slog.Logger) *Store {
	s := &Store{dir: dir, logger: logger}
	if s.logger != nil {
		s.logger = s.logger.With("component", "pipeline")
	}
	return s
}

// Path returns the location of the pipeline file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Read returns the persisted pipeline bytes. A missing file surfaces as an
// os.IsNotExist error for the caller to map.
func (s *Store) Read() ([]byte, error) {
	return os.ReadFile(s.Path())
}

// Write overwrites the pipeline file with the given bytes verbatim.
func (s *Store) Write(data []byte) error {
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		return err
	}
	s.logger.Info("pipeline persisted", "path", s.Path(), "bytes", len(data))
	return nil
}
