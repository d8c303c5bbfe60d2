package sharedfiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBrowse_EmptyDirectoriesStillAppear(t *testing.T) {
	c := newTestCache(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "populated", "a.txt"), "x")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	shares := []Share{{LocalPath: root, RemotePath: "music"}}
	if err := c.Fill(context.Background(), shares, Filters{}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	dirs, err := c.Browse(context.Background(), "")
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}

	wantEmpty := maskPath(root, "music", filepath.Join(root, "empty"))
	var sawEmpty bool
	for _, d := range dirs {
		if d.Name == wantEmpty {
			sawEmpty = true
			if len(d.Files) != 0 {
				t.Fatalf("expected empty directory to have no files, got %d", len(d.Files))
			}
		}
	}
	if !sawEmpty {
		t.Fatalf("expected empty directory to appear in browse results, got %+v", dirs)
	}
}

func TestParentDirectory_HandlesBothSeparators(t *testing.T) {
	if got := parentDirectory(`C:\music\song.mp3`); got != `C:\music` {
		t.Fatalf("got %q", got)
	}
	if got := parentDirectory(`/music/song.mp3`); got != `/music` {
		t.Fatalf("got %q", got)
	}
	if got := parentDirectory(`song.mp3`); got != `` {
		t.Fatalf("got %q", got)
	}
}
