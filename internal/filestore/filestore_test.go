package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSaveAndOpenRoundTrip(test *testing.T) {
	test.Parallel()
	store := mustNewDiskStore(test)

	reference, err := store.Save(context.Background(), strings.NewReader("ecu-dump"))
	if err != nil {
		test.Fatalf("save: %v", err)
	}
	if reference == "" {
		test.Fatal("expected non-empty reference")
	}

	reader, err := store.Open(context.Background(), reference)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	if !bytes.Equal(content, []byte("ecu-dump")) {
		test.Fatalf("unexpected content: %q", content)
	}
}

func TestSaveAssignsDistinctReferences(test *testing.T) {
	test.Parallel()
	store := mustNewDiskStore(test)

	first, err := store.Save(context.Background(), strings.NewReader("a"))
	if err != nil {
		test.Fatalf("save: %v", err)
	}
	second, err := store.Save(context.Background(), strings.NewReader("a"))
	if err != nil {
		test.Fatalf("save: %v", err)
	}
	if first == second {
		test.Fatalf("expected distinct references, got %q twice", first)
	}
}

func TestOpenUnknownReference(test *testing.T) {
	test.Parallel()
	store := mustNewDiskStore(test)

	_, err := store.Open(context.Background(), "does-not-exist.bin")
	if !errors.Is(err, ErrUnknownReference) {
		test.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestOpenRejectsPathTraversal(test *testing.T) {
	test.Parallel()
	store := mustNewDiskStore(test)

	for _, reference := range []string{"", "../etc/passwd", "a/b.bin"} {
		if _, err := store.Open(context.Background(), reference); !errors.Is(err, ErrInvalidReference) {
			test.Fatalf("expected ErrInvalidReference for %q, got %v", reference, err)
		}
	}
}

func TestNewDiskStoreRequiresRoot(test *testing.T) {
	test.Parallel()
	if _, err := NewDiskStore(""); !errors.Is(err, ErrInvalidRoot) {
		test.Fatalf("expected ErrInvalidRoot, got %v", err)
	}
}

func mustNewDiskStore(test *testing.T) *DiskStore {
	test.Helper()
	store, err := NewDiskStore(test.TempDir())
	if err != nil {
		test.Fatalf("new disk store: %v", err)
	}
	return store
}
