package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Error values returned by file storage.
var (
	ErrUnknownReference = errors.New("unknown file reference")
	ErrInvalidReference = errors.New("invalid file reference")
	ErrInvalidRoot      = errors.New("invalid storage root")
)

// Store is the narrow file-storage contract consumed by the portal: bytes in,
// opaque durable reference out. The core persists only references.
type Store interface {
	Save(ctx context.Context, content io.Reader) (string, error)
	Open(ctx context.Context, reference string) (io.ReadCloser, error)
}

// DiskStore keeps uploaded files under a single directory, one file per
// reference.
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	return &DiskStore{root: root}, nil
}

// Save streams content to a new file and returns its reference.
func (store *DiskStore) Save(ctx context.Context, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reference := uuid.NewString() + ".bin"
	file, err := os.Create(filepath.Join(store.root, reference))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(file, content); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return reference, nil
}

// Open returns the stored bytes for a reference.
func (store *DiskStore) Open(ctx context.Context, reference string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// References are flat names; reject anything that resolves elsewhere.
	if reference == "" || filepath.Base(reference) != reference {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, reference)
	}
	file, err := os.Open(filepath.Join(store.root, reference))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}
