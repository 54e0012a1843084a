package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterPositionalWrites(t *testing.T) {
	dir := t.TempDir()
	path, err := UniquePath(dir, "out.bin")
	if err != nil {
		t.Fatalf("UniquePath: %v", err)
	}

	w, err := NewWriter(path, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	queue := make(chan Record, 4)
	// Out-of-order arrival: piece 1 lands before piece 0.
	queue <- Record{Offset: 4, Data: []byte("worl")}
	queue <- Record{Offset: 0, Data: []byte("hell")}
	queue <- Record{Offset: 8, Data: []byte("d")}
	close(queue)

	if err := w.Run(context.Background(), queue); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("hellworld")) {
		t.Fatalf("file = %q, want %q", got, "hellworld")
	}
}

func TestWriterStopsOnSentinel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "out"), nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	queue := make(chan Record, 2)
	queue <- Record{Offset: 0, Data: []byte("x")}
	queue <- Record{} // sentinel, not followed by close

	if err := w.Run(context.Background(), queue); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestUniquePathDisambiguates(t *testing.T) {
	dir := t.TempDir()

	for _, want := range []string{"name", "name-(1)", "name-(2)"} {
		path, err := UniquePath(dir, "name")
		if err != nil {
			t.Fatalf("UniquePath: %v", err)
		}
		if filepath.Base(path) != want {
			t.Fatalf("path = %q, want base %q", path, want)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}
