package storage_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dopcast/internal/services"
	"dopcast/internal/storage"
)

func TestLocalPutGetDelete(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	payload := "episode audio bytes"

	obj, err := store.Put(ctx, "episodes/run-1/episode.mp3", strings.NewReader(payload), int64(len(payload)), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Size != int64(len(payload)) {
		t.Fatalf("size = %d", obj.Size)
	}

	rc, err := store.Get(ctx, "episodes/run-1/episode.mp3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	if closeErr := rc.Close(); closeErr != nil {
		t.Fatalf("Close: %v", closeErr)
	}
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("payload = %q", data)
	}

	if err := store.Delete(ctx, "episodes/run-1/episode.mp3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "episodes/run-1/episode.mp3"); err == nil {
		t.Fatal("expected error reading deleted artifact")
	}
	// Deleting twice is fine.
	if err := store.Delete(ctx, "episodes/run-1/episode.mp3"); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
}

func TestLocalPutSizeMismatch(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := store.Put(context.Background(), "a/b.txt", strings.NewReader("abc"), 10, "text/plain"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestLocalRejectsTraversalKeys(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "/abs/path", "../escape", "a/../../escape"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), 1, ""); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("key %q: expected ErrValidation, got %v", key, err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(root))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "escape") {
			t.Fatalf("artifact escaped root: %s", entry.Name())
		}
	}
}

func TestLocalPutIsAtomic(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := store.Put(context.Background(), "x/y.json", strings.NewReader(`{}`), 2, "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// No temp files remain after a successful write.
	entries, err := os.ReadDir(filepath.Join(root, "x"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "y.json" {
		t.Fatalf("entries = %+v", entries)
	}
}
