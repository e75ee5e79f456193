// Package updatefile implements the content-addressed store of immutable
// staged document payloads that tasks reference by uuid: the
// documentAdditionOrUpdate content file. Blobs live under
// <db_root>/update_files/<uuid> and are read back via a memory map for
// zero-copy NDJSON parsing.
package updatefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	"github.com/cuemby/sift/internal/sifterr"
)

// Store manages content files under root.
type Store struct {
	root string
}

// Open ensures root exists and returns a Store rooted there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating update file root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id)
}

// Create allocates a new uuid and returns it along with a writer that the
// caller fills with the staged payload before calling Persist.
func (s *Store) Create() (string, *os.File, error) {
	id := uuid.NewString()
	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", nil, sifterr.Internal("content_file_create_failed", "creating content file", err)
	}
	return id, f, nil
}

// Persist flushes and closes a writer returned by Create, making the
// content file immutable and ready for Open/Size.
func (s *Store) Persist(f *os.File) error {
	if err := f.Sync(); err != nil {
		return sifterr.Internal("content_file_persist_failed", "syncing content file", err)
	}
	return f.Close()
}

// Delete removes the content file for id. Deleting an absent file is not
// an error: tasks may race to free an already-deleted orphan.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return sifterr.Internal("content_file_delete_failed", "deleting content file", err)
	}
	return nil
}

// Exists reports whether a content file for id is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Size returns the content file's byte size, or 0 if missing (a
// filesystem race with a concurrent delete is not treated as an error).
func (s *Store) Size(id string) int64 {
	info, err := os.Stat(s.path(id))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Handle is a read-only, memory-mapped view of a content file.
type Handle struct {
	f   *os.File
	mm  mmap.MMap
}

// Open memory-maps the content file for id for zero-copy reads.
func (s *Store) Open(id string) (*Handle, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sifterr.NotFound("content_file_missing", fmt.Sprintf("content file %s is absent", id))
		}
		return nil, sifterr.Internal("content_file_open_failed", "opening content file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, sifterr.Internal("content_file_stat_failed", "statting content file", err)
	}
	if info.Size() == 0 {
		// mmap refuses to map a zero-length file; an empty payload has no
		// documents to iterate, so expose it as a nil-backed handle.
		return &Handle{f: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, sifterr.Internal("content_file_mmap_failed", "memory-mapping content file", err)
	}
	return &Handle{f: f, mm: m}, nil
}

// Bytes returns the mapped content, or nil for an empty file.
func (h *Handle) Bytes() []byte {
	return h.mm
}

// Close unmaps and closes the content file.
func (h *Handle) Close() error {
	if h.mm != nil {
		if err := h.mm.Unmap(); err != nil {
			return err
		}
	}
	return h.f.Close()
}
