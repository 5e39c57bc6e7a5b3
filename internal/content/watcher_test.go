package content

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherIngestsDroppedFile(t *testing.T) {
	store := newTestStore(t)
	drop := t.TempDir()

	got := make(chan string, 1)
	w, err := NewWatcher(store, drop, func(key string) { got <- key })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	path := filepath.Join(drop, "dropped.mp4")
	if err := os.WriteFile(path, []byte("video bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var key string
	select {
	case key = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("dropped file never ingested")
	}

	name, _, err := ParseKey(key)
	if err != nil || name != "dropped.mp4" {
		t.Fatalf("key %q: %v", key, err)
	}
	rc, err := store.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()

	// The original is gone from the drop directory.
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("dropped file should be moved out of the drop dir")
	}
}

func TestWatcherSkipsDotfiles(t *testing.T) {
	store := newTestStore(t)
	drop := t.TempDir()

	got := make(chan string, 2)
	w, err := NewWatcher(store, drop, func(key string) { got <- key })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(drop, ".partial"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(drop, "real.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case key := <-got:
		if name, _, _ := ParseKey(key); name != "real.png" {
			t.Fatalf("ingested %q", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("visible file never ingested")
	}

	select {
	case key := <-got:
		t.Fatalf("dotfile ingested as %q", key)
	case <-time.After(time.Second):
	}
}
