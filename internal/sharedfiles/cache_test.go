package sharedfiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := NewCache(nil, context.Background(), filepath.Join(dir, "live.db"), filepath.Join(dir, "backup.db"), 2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestFill_IndexesEveryFileExactlyOnce(t *testing.T) {
	c := newTestCache(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	shares := []Share{{LocalPath: root, RemotePath: "music"}}
	if err := c.Fill(context.Background(), shares, Filters{}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	n, err := c.CountFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files, got %d", n)
	}

	if state := c.Monitor().Get(); !state.Filled || state.Faulted || state.Cancelled {
		t.Fatalf("unexpected terminal state: %+v", state)
	}
}

func TestFill_CancellationSkipsTombstoneSweep(t *testing.T) {
	c := newTestCache(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "keep me")

	shares := []Share{{LocalPath: root, RemotePath: "music"}}
	if err := c.Fill(context.Background(), shares, Filters{}); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	before, err := c.CountFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Fill(ctx, shares, Filters{}); err != nil {
		t.Fatalf("cancelled fill returned error instead of swallowing cancellation: %v", err)
	}

	after, err := c.CountFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if after < before {
		t.Fatalf("cancelled fill deleted rows: before=%d after=%d", before, after)
	}

	if state := c.Monitor().Get(); !state.Cancelled || state.Filled {
		t.Fatalf("expected cancelled state, got %+v", state)
	}
}

func TestResolve_RoundTripsToOriginalPath(t *testing.T) {
	c := newTestCache(t)
	root := t.TempDir()
	target := filepath.Join(root, "song.mp3")
	writeFile(t, target, "audio bytes")

	shares := []Share{{LocalPath: root, RemotePath: "music"}}
	if err := c.Fill(context.Background(), shares, Filters{}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	masked := maskPath(root, "music", target)
	original, host, err := c.Resolve(context.Background(), masked)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if original != target {
		t.Fatalf("expected %q, got %q", target, original)
	}
	if host != "" {
		t.Fatalf("expected local host, got %q", host)
	}
}

func TestFill_RejectsDuplicateRemotePaths(t *testing.T) {
	c := newTestCache(t)
	rootA, rootB := t.TempDir(), t.TempDir()
	shares := []Share{
		{LocalPath: rootA, RemotePath: "music"},
		{LocalPath: rootB, RemotePath: "music"},
	}
	if err := c.Fill(context.Background(), shares, Filters{}); err == nil {
		t.Fatal("expected an error for colliding remote paths")
	}
}

func TestFill_SingleWriter(t *testing.T) {
	c := newTestCache(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	shares := []Share{{LocalPath: root, RemotePath: "music"}}

	if !c.fillMu.TryLock() {
		t.Fatal("expected to acquire fill lock")
	}
	defer c.fillMu.Unlock()

	if err := c.Fill(context.Background(), shares, Filters{}); err == nil {
		t.Fatal("expected ErrShareScanInProgress while a fill is already running")
	}
}
