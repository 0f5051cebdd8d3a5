package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestFileStore(t *testing.T) *File {
	t.Helper()
	store, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	return store
}

func TestFileSetGet(t *testing.T) {
	store := newTestFileStore(t)

	payload := []byte(`[{"id":"sess_1","title":"Attention Is All You Need"}]`)
	if err := store.Set(SessionListKey, payload); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get(SessionListKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected key to exist")
	}
	if !bytes.Equal(value, payload) {
		t.Errorf("Round-trip mismatch: got %q", value)
	}
}

func TestFileOverwrite(t *testing.T) {
	store := newTestFileStore(t)

	store.Set("key", []byte("first"))
	store.Set("key", []byte("second"))

	value, _, _ := store.Get("key")
	if string(value) != "second" {
		t.Errorf("Expected overwritten value, got %q", value)
	}
}

func TestFileGetMissing(t *testing.T) {
	store := newTestFileStore(t)

	_, ok, err := store.Get("missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Missing key should not exist")
	}
}

func TestFileDelete(t *testing.T) {
	store := newTestFileStore(t)

	store.Set("key", []byte("value"))
	if err := store.Delete("key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, ok, _ := store.Get("key")
	if ok {
		t.Error("Deleted key should not exist")
	}

	if err := store.Delete("key"); err != nil {
		t.Errorf("Deleting missing key should succeed: %v", err)
	}
}

func TestFileKeys(t *testing.T) {
	store := newTestFileStore(t)

	store.Set(SnapshotKey("sess_a"), []byte("{}"))
	store.Set(SnapshotKey("sess_b"), []byte("{}"))
	store.Set(ActiveSessionKey, []byte("sess_a"))

	keys, err := store.Keys(SnapshotPattern)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}

	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "session.sess_a.snapshot" || keys[1] != "session.sess_b.snapshot" {
		t.Errorf("Unexpected keys: %v", keys)
	}
}

func TestFileValuesCompressedOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}

	plain := []byte(`{"snapshot":"some view state that is plainly readable"}`)
	store.Set("key", plain)

	raw, err := os.ReadFile(filepath.Join(dir, "key"+fileExt))
	if err != nil {
		t.Fatalf("Failed to read raw file: %v", err)
	}

	if bytes.Contains(raw, []byte("plainly readable")) {
		t.Error("On-disk value should be compressed, found plaintext")
	}
	// gzip magic bytes
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Error("On-disk value should start with gzip magic bytes")
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFile(dir)
	store.Set(ActiveSessionKey, []byte("sess_1"))

	reopened, err := NewFile(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	value, ok, _ := reopened.Get(ActiveSessionKey)
	if !ok || string(value) != "sess_1" {
		t.Errorf("Value should survive reopen, got ok=%v value=%q", ok, value)
	}
}
