package updatefile

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/sift/internal/sifterr"
)

func TestCreatePersistOpenRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	id, f, err := s.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	payload := []byte(`{"id":1}` + "\n" + `{"id":2}` + "\n")
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	if err := s.Persist(f); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	if !s.Exists(id) {
		t.Fatal("Exists() should report true after Persist")
	}
	if s.Size(id) != int64(len(payload)) {
		t.Fatalf("Size() = %d, want %d", s.Size(id), len(payload))
	}

	h, err := s.Open(id)
	if err != nil {
		t.Fatalf("Open(id) error: %v", err)
	}
	defer h.Close()
	if string(h.Bytes()) != string(payload) {
		t.Fatalf("Bytes() = %q, want %q", h.Bytes(), payload)
	}
}

func TestOpenEmptyFileReturnsNilBackedHandle(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	id, f, err := s.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Persist(f); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	h, err := s.Open(id)
	if err != nil {
		t.Fatalf("Open(id) error: %v", err)
	}
	defer h.Close()
	if h.Bytes() != nil {
		t.Fatalf("Bytes() = %v, want nil for an empty file", h.Bytes())
	}
}

func TestOpenMissingReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_, err = s.Open("does-not-exist")
	se, ok := err.(*sifterr.Error)
	if !ok || se.Code != "content_file_missing" {
		t.Fatalf("Open() error = %v, want content_file_missing", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	id, f, err := s.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Persist(f); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if s.Exists(id) {
		t.Fatal("Exists() should report false after Delete")
	}
	// deleting again (or an id that never existed) must not error
	if err := s.Delete(id); err != nil {
		t.Fatalf("second Delete() error: %v", err)
	}
}

func TestSizeOfMissingFileIsZero(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got := s.Size("missing"); got != 0 {
		t.Fatalf("Size() = %d, want 0", got)
	}
}

func TestOpenCreatesRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "update_files")
	if _, err := Open(root); err != nil {
		t.Fatalf("Open() should create missing parent directories, got: %v", err)
	}
}
