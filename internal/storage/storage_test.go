package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	snap := Snapshot{
		Username:     "alice",
		RefreshToken: "refresh-1",
		SavedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Save(snap); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("snapshot not found")
	}
	if got.Username != snap.Username || got.RefreshToken != snap.RefreshToken || !got.SavedAt.Equal(snap.SavedAt) {
		t.Fatalf("got %+v, want %+v", got, snap)
	}
}

func TestLoadEmpty(t *testing.T) {
	s := newTestStorage(t)

	_, ok, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unexpected snapshot")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Save(Snapshot{Username: "alice", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Fatal("snapshot survived delete")
	}
}
