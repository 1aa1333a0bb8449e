package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherSeesSavedSession(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	changed := make(chan string, 8)
	w, err := NewWatcher(fs, func(id string) { changed <- id }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	if err := fs.Save("default", &State{Token: "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case id := <-changed:
		if id != "default" {
			t.Errorf("changed id = %q, want default", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event for a saved session")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	changed := make(chan string, 8)
	w, err := NewWatcher(fs, func(id string) { changed <- id }, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case id := <-changed:
		t.Errorf("got change event %q for a non-session file", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStartStopIdempotent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	w, err := NewWatcher(fs, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
