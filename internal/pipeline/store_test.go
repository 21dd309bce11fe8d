package pipeline

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestReadMissingFile(t *testing.T) {
	s := NewStore(t.TempDir(), discard())
	if _, err := s.Read(); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, discard())

	doc := []byte(`{"manifests":[{"runtime":"r","calls":[]}]}`)
	if err := s.Write(doc); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, doc) {
		t.Fatalf("round trip mismatch: %q != %q", got, doc)
	}
	if s.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("unexpected path %q", s.Path())
	}
}

func TestWriteOverwrites(t *testing.T) {
	s := NewStore(t.TempDir(), discard())

	if err := s.Write([]byte(`{"v":1}`)); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := s.Write([]byte(`{"v":2}`)); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	got, err := s.Read()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("expected second document, got %q", got)
	}
}
