package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTransfer(username, filename string) *Transfer {
	return &Transfer{
		ID:          uuid.New(),
		Username:    username,
		Filename:    filename,
		Size:        1024,
		RequestedAt: time.Now().UTC(),
	}
}

func TestAddOrSupersede_InsertsLiveRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newTransfer("alice", "music/track.mp3")
	if err := s.AddOrSupersede(ctx, first); err != nil {
		t.Fatalf("add first: %v", err)
	}

	live, err := s.FindNonTerminal(ctx, "alice", "music/track.mp3")
	if err != nil {
		t.Fatalf("find non-terminal: %v", err)
	}
	if live == nil || live.ID != first.ID {
		t.Fatalf("expected live transfer %s, got %v", first.ID, live)
	}
}

func TestAddOrSupersede_SupersedesPriorRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newTransfer("alice", "music/track.mp3")
	if err := s.AddOrSupersede(ctx, first); err != nil {
		t.Fatalf("add first: %v", err)
	}
	first.State = Completed | Errored
	now := time.Now().UTC()
	first.EndedAt = &now
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("update first: %v", err)
	}

	second := newTransfer("alice", "music/track.mp3")
	if err := s.AddOrSupersede(ctx, second); err != nil {
		t.Fatalf("add second: %v", err)
	}

	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if !got.Removed {
		t.Fatal("expected prior row to be marked removed")
	}

	live, err := s.FindNonTerminal(ctx, "alice", "music/track.mp3")
	if err != nil {
		t.Fatalf("find non-terminal: %v", err)
	}
	if live == nil || live.ID != second.ID {
		t.Fatalf("expected live transfer %s, got %v", second.ID, live)
	}
}

func TestRemove_RequiresExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Remove(ctx, uuid.New()); err == nil {
		t.Fatal("expected error removing unknown id")
	}
}

func TestList_ExcludesRemovedByDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newTransfer("alice", "a.mp3")
	b := newTransfer("bob", "b.mp3")
	if err := s.AddOrSupersede(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := s.AddOrSupersede(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := s.Remove(ctx, a.ID); err != nil {
		t.Fatalf("remove a: %v", err)
	}

	live, err := s.List(ctx, nil, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("expected only b to remain, got %v", live)
	}

	all, err := s.List(ctx, nil, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows including removed, got %d", len(all))
	}
}
