package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestJSONStore(t *testing.T) *JSONStore {
	t.Helper()
	store, err := NewJSONStore(filepath.Join(t.TempDir(), "ytdash.json"))
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewJSONStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	defer store.Close()

	// File should exist after creation
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("store file was not created")
	}
}

func TestJSONStore_LoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	ctx := context.Background()

	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	video := &Video{OwnerID: "owner", ExternalID: "abc123", Title: "Persisted"}
	if err := store.InsertVideo(ctx, video); err != nil {
		t.Fatalf("InsertVideo() error = %v", err)
	}
	if _, err := store.IncrementUsage(ctx, "owner", "2026-10-16", 4); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	store.Close()

	store2, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() reopen error = %v", err)
	}
	defer store2.Close()

	loaded, err := store2.FindByExternalID(ctx, "abc123", "owner")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if loaded.Title != "Persisted" {
		t.Errorf("loaded title = %q, want %q", loaded.Title, "Persisted")
	}
	usage, err := store2.GetUsage(ctx, "owner", "2026-10-16")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage.Used != 4 {
		t.Errorf("usage = %d, want 4", usage.Used)
	}
}

func TestJSONStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewJSONStore(path)
	if !errors.Is(err, ErrStorageCorrupt) {
		t.Fatalf("NewJSONStore() error = %v, want ErrStorageCorrupt", err)
	}
}

func TestJSONStore_VideoUpsertFlow(t *testing.T) {
	store := newTestJSONStore(t)
	ctx := context.Background()

	video := &Video{OwnerID: "owner", ExternalID: "v1", Title: "One"}
	if err := store.InsertVideo(ctx, video); err != nil {
		t.Fatalf("InsertVideo() error = %v", err)
	}
	if err := store.InsertVideo(ctx, &Video{OwnerID: "owner", ExternalID: "v1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate InsertVideo() error = %v, want ErrAlreadyExists", err)
	}

	if err := store.UpdateVideo(ctx, video.ID, VideoFields{Title: "Uno", IsShort: true}); err != nil {
		t.Fatalf("UpdateVideo() error = %v", err)
	}
	got, err := store.FindByExternalID(ctx, "v1", "owner")
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if got.Title != "Uno" || !got.IsShort {
		t.Errorf("updated video = %+v", got)
	}

	if err := store.UpsertMetadata(ctx, &VideoMetadata{VideoID: video.ID, ViewCount: 7}); err != nil {
		t.Fatalf("UpsertMetadata() error = %v", err)
	}
	if err := store.UpsertMetadata(ctx, &VideoMetadata{VideoID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpsertMetadata() on missing video error = %v, want ErrNotFound", err)
	}

	n, err := store.CountVideos(ctx, "owner")
	if err != nil || n != 1 {
		t.Errorf("CountVideos() = %d, %v; want 1, nil", n, err)
	}
}

func TestJSONStore_SyncRunsAndCursor(t *testing.T) {
	store := newTestJSONStore(t)
	ctx := context.Background()

	run := &SyncRun{OwnerID: "owner", ChannelID: "UC1", Mode: "full"}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}
	run.Status = RunStatusErrored
	run.ErrorMessage = "quota exceeded"
	if err := store.FinishSyncRun(ctx, run); err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}

	runs, err := store.ListSyncRuns(ctx, "owner", "", 5)
	if err != nil {
		t.Fatalf("ListSyncRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != RunStatusErrored {
		t.Fatalf("ListSyncRuns() = %+v", runs)
	}

	if err := store.SaveCursor(ctx, "owner", "UC1", "CAUQAA"); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	cursor, err := store.LoadCursor(ctx, "owner", "UC1")
	if err != nil || cursor != "CAUQAA" {
		t.Errorf("LoadCursor() = %q, %v", cursor, err)
	}
	if err := store.ClearCursor(ctx, "owner", "UC1"); err != nil {
		t.Fatalf("ClearCursor() error = %v", err)
	}
	if _, err := store.LoadCursor(ctx, "owner", "UC1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadCursor() after clear error = %v, want ErrNotFound", err)
	}
}

func TestJSONStore_LockedByAnotherStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.json")
	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	defer store.Close()

	if _, err := NewJSONStore(path); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second NewJSONStore() error = %v, want ErrLockTimeout", err)
	}
}

func TestJSONStore_FailedSaveLeavesMemoryUnchanged(t *testing.T) {
	store := newTestJSONStore(t)
	ctx := context.Background()

	if _, err := store.IncrementUsage(ctx, "owner", "2024-05-01", 5); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	video := &Video{OwnerID: "owner", ExternalID: "v1", Title: "One"}
	if err := store.InsertVideo(ctx, video); err != nil {
		t.Fatalf("InsertVideo() error = %v", err)
	}

	// A regular file as the parent directory makes every save fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	goodPath := store.path
	store.path = filepath.Join(blocker, "ytdash.json")

	if _, err := store.IncrementUsage(ctx, "owner", "2024-05-01", 3); err == nil {
		t.Fatal("IncrementUsage() succeeded with an unwritable file")
	}
	if _, err := store.IncrementUsage(ctx, "owner", "2024-05-02", 3); err == nil {
		t.Fatal("IncrementUsage() on a new day succeeded with an unwritable file")
	}
	if err := store.InsertVideo(ctx, &Video{OwnerID: "owner", ExternalID: "v2"}); err == nil {
		t.Fatal("InsertVideo() succeeded with an unwritable file")
	}
	if err := store.UpdateVideo(ctx, video.ID, VideoFields{Title: "Uno"}); err == nil {
		t.Fatal("UpdateVideo() succeeded with an unwritable file")
	}
	if err := store.UpsertMetadata(ctx, &VideoMetadata{VideoID: video.ID, ViewCount: 9}); err == nil {
		t.Fatal("UpsertMetadata() succeeded with an unwritable file")
	}
	store.path = goodPath

	u, err := store.GetUsage(ctx, "owner", "2024-05-01")
	if err != nil || u.Used != 5 {
		t.Errorf("GetUsage() = %+v, %v; want Used 5", u, err)
	}
	if _, err := store.GetUsage(ctx, "owner", "2024-05-02"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUsage() for failed day error = %v, want ErrNotFound", err)
	}
	if _, err := store.FindByExternalID(ctx, "v2", "owner"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByExternalID() for failed insert error = %v, want ErrNotFound", err)
	}
	got, err := store.FindByExternalID(ctx, "v1", "owner")
	if err != nil || got.Title != "One" {
		t.Errorf("FindByExternalID() = %+v, %v; want title One", got, err)
	}
	if _, ok := store.data.Metadata[video.ID]; ok {
		t.Error("metadata kept after failed save")
	}

	// The next successful save writes exactly what memory holds.
	if _, err := store.IncrementUsage(ctx, "owner", "2024-05-01", 1); err != nil {
		t.Fatalf("IncrementUsage() error = %v", err)
	}
	reopened := reopenJSONStore(t, store)
	u, err = reopened.GetUsage(ctx, "owner", "2024-05-01")
	if err != nil || u.Used != 6 {
		t.Errorf("reopened GetUsage() = %+v, %v; want Used 6", u, err)
	}
	if n, _ := reopened.CountVideos(ctx, "owner"); n != 1 {
		t.Errorf("reopened CountVideos() = %d, want 1", n)
	}
}

func reopenJSONStore(t *testing.T, store *JSONStore) *JSONStore {
	t.Helper()
	path := store.path
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	return reopened
}
