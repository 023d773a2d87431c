// Package content abstracts local payload storage. Engines address payloads
// by locator only; the filesystem implementation keeps everything under one
// root directory.
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrTraversal indicates a locator that escapes the store root.
var ErrTraversal = errors.New("locator escapes content root")

// File is the writable handle returned for downloads. Truncate is needed when
// a resume attempt gets a full 200 instead of a 206.
type File interface {
	io.Writer
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// Store is the abstract content accessor consumed by the engines.
type Store interface {
	// Open returns a reader over an existing payload.
	Open(locator string) (io.ReadCloser, error)
	// OpenAppend opens a payload for appending, creating it if needed.
	OpenAppend(locator string) (File, error)
	// Size returns the current byte length, 0 if the payload does not exist.
	Size(locator string) (int64, error)
	// Write stores a small payload in one shot.
	Write(locator string, data []byte) error
	// Delete removes the payload. Missing payloads are not an error.
	Delete(locator string) error
}

// FSStore is a filesystem-backed Store rooted at one directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create content root: %w", err)
	}

	return &FSStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

// resolve maps a locator onto the root, rejecting traversal.
func (s *FSStore) resolve(locator string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(locator))

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrTraversal, locator)
	}

	return path, nil
}

func (s *FSStore) Open(locator string) (io.ReadCloser, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	return os.Open(path)
}

func (s *FSStore) OpenAppend(locator string) (File, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
}

func (s *FSStore) Size(locator string) (int64, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (s *FSStore) Write(locator string, data []byte) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	return os.WriteFile(path, data, filePerm)
}

func (s *FSStore) Delete(locator string) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// DetectMime sniffs the content type of a stored payload, falling back to
// application/octet-stream when the payload is unreadable.
func (s *FSStore) DetectMime(locator string) string {
	path, err := s.resolve(locator)
	if err != nil {
		return "application/octet-stream"
	}

	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}

	return mime.String()
}
