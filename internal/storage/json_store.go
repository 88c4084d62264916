package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion = "1.0"
	lockTimeout   = 5 * time.Second
)

// JSONStore implements Store using a single JSON file. It is meant for a
// single dashboard user running the CLI locally.
type JSONStore struct {
	path string
	lock *storeLock
	data *storeData
	mu   sync.RWMutex
}

// storeData is the top-level JSON structure.
type storeData struct {
	Version   string                    `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Videos    map[string]*Video         `json:"videos"`
	Metadata  map[string]*VideoMetadata `json:"metadata"`
	Quota     map[string]*QuotaUsage    `json:"quota"`    // owner|day -> usage
	SyncRuns  map[string]*SyncRun       `json:"sync_runs"`
	Cursors   map[string]*SyncCursor    `json:"cursors"`  // owner|channel -> cursor
	Indexes   *indexes                  `json:"indexes"`
}

// indexes maintains lookup tables for efficient queries.
type indexes struct {
	ExternalVideoID map[string]string `json:"external_video_id"` // owner|external_id -> internal_id
}

// NewJSONStore creates a new JSON file store at the given path.
// If the file exists, it is loaded; otherwise an empty store is created.
func NewJSONStore(path string) (*JSONStore, error) {
	lock, err := acquireStoreLock(path, lockTimeout)
	if err != nil {
		return nil, err
	}

	s := &JSONStore{path: path, lock: lock}
	if err := s.load(); err != nil {
		lock.release()
		return nil, err
	}

	return s, nil
}

// load reads the JSON file into memory. Creates empty data if file doesn't exist.
func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = newStoreData()
			// Save immediately to catch permission errors early
			return s.save()
		}
		return &StorageError{Op: "read", Entity: "store", Err: err}
	}

	s.data = &storeData{}
	if err := json.Unmarshal(data, s.data); err != nil {
		return &StorageError{Op: "read", Entity: "store", Err: ErrStorageCorrupt}
	}
	s.data.ensureMaps()
	return nil
}

// save persists the data to disk atomically.
func (s *JSONStore) save() error {
	s.data.UpdatedAt = time.Now()
	if err := WriteJSONFile(s.path, s.data); err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}
	return nil
}

// commit saves, or calls undo so memory matches the last file on disk.
// Must be called with mu held.
func (s *JSONStore) commit(undo func()) error {
	if err := s.save(); err != nil {
		undo()
		return err
	}
	return nil
}

// Close releases resources held by the store.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.release()
}

func newStoreData() *storeData {
	d := &storeData{Version: schemaVersion, UpdatedAt: time.Now()}
	d.ensureMaps()
	return d
}

func (d *storeData) ensureMaps() {
	if d.Videos == nil {
		d.Videos = make(map[string]*Video)
	}
	if d.Metadata == nil {
		d.Metadata = make(map[string]*VideoMetadata)
	}
	if d.Quota == nil {
		d.Quota = make(map[string]*QuotaUsage)
	}
	if d.SyncRuns == nil {
		d.SyncRuns = make(map[string]*SyncRun)
	}
	if d.Cursors == nil {
		d.Cursors = make(map[string]*SyncCursor)
	}
	if d.Indexes == nil {
		d.Indexes = &indexes{}
	}
	if d.Indexes.ExternalVideoID == nil {
		d.Indexes.ExternalVideoID = make(map[string]string)
	}
}

func ownerKey(ownerID, id string) string { return ownerID + "|" + id }

// restore puts back m[key] as it was before a failed save.
func restore[V any](m map[string]*V, key string, prev *V, had bool) {
	if had {
		m[key] = prev
		return
	}
	delete(m, key)
}

// --- VideoStore implementation ---

func (s *JSONStore) FindByExternalID(ctx context.Context, externalID, ownerID string) (*Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.data.Indexes.ExternalVideoID[ownerKey(ownerID, externalID)]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "video", ID: externalID, Err: ErrNotFound}
	}
	video, exists := s.data.Videos[id]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "video", ID: id, Err: ErrStorageCorrupt}
	}
	cp := *video
	return &cp, nil
}

func (s *JSONStore) InsertVideo(ctx context.Context, video *Video) error {
	if video.ExternalID == "" || video.OwnerID == "" {
		return &StorageError{Op: "create", Entity: "video", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(video.OwnerID, video.ExternalID)
	if _, exists := s.data.Indexes.ExternalVideoID[key]; exists {
		return &StorageError{Op: "create", Entity: "video", ID: video.ExternalID, Err: ErrAlreadyExists}
	}
	if video.ID == "" {
		video.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	video.CreatedAt = now
	video.UpdatedAt = now

	cp := *video
	s.data.Videos[video.ID] = &cp
	s.data.Indexes.ExternalVideoID[key] = video.ID

	return s.commit(func() {
		delete(s.data.Videos, video.ID)
		delete(s.data.Indexes.ExternalVideoID, key)
	})
}

func (s *JSONStore) UpdateVideo(ctx context.Context, id string, fields VideoFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, exists := s.data.Videos[id]
	if !exists {
		return &StorageError{Op: "update", Entity: "video", ID: id, Err: ErrNotFound}
	}
	prev := *video
	fields.Apply(video)
	video.UpdatedAt = time.Now().UTC()

	return s.commit(func() { *video = prev })
}

func (s *JSONStore) UpsertMetadata(ctx context.Context, meta *VideoMetadata) error {
	if meta.VideoID == "" {
		return &StorageError{Op: "upsert", Entity: "metadata", Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Videos[meta.VideoID]; !exists {
		return &StorageError{Op: "upsert", Entity: "metadata", ID: meta.VideoID, Err: ErrNotFound}
	}
	if meta.SyncedAt.IsZero() {
		meta.SyncedAt = time.Now().UTC()
	}
	prev, had := s.data.Metadata[meta.VideoID]
	cp := *meta
	s.data.Metadata[meta.VideoID] = &cp

	return s.commit(func() { restore(s.data.Metadata, meta.VideoID, prev, had) })
}

func (s *JSONStore) CountVideos(ctx context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, v := range s.data.Videos {
		if v.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

// --- QuotaLedger implementation ---

func (s *JSONStore) GetUsage(ctx context.Context, ownerID, day string) (*QuotaUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.data.Quota[ownerKey(ownerID, day)]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "quota", ID: day, Err: ErrNotFound}
	}
	cp := *u
	return &cp, nil
}

func (s *JSONStore) IncrementUsage(ctx context.Context, ownerID, day string, n int) (int, error) {
	if n < 0 {
		return 0, &StorageError{Op: "increment", Entity: "quota", ID: day, Err: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(ownerID, day)
	prev, had := s.data.Quota[key]
	u := &QuotaUsage{OwnerID: ownerID, Day: day}
	if had {
		*u = *prev
	}
	u.Used += n
	u.UpdatedAt = time.Now().UTC()
	s.data.Quota[key] = u

	if err := s.commit(func() { restore(s.data.Quota, key, prev, had) }); err != nil {
		return 0, err
	}
	return u.Used, nil
}

// --- SyncRunStore implementation ---

func (s *JSONStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.data.SyncRuns[run.ID]; exists {
		return &StorageError{Op: "create", Entity: "sync_run", ID: run.ID, Err: ErrAlreadyExists}
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	cp := *run
	s.data.SyncRuns[run.ID] = &cp

	return s.commit(func() { delete(s.data.SyncRuns, run.ID) })
}

func (s *JSONStore) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.data.SyncRuns[run.ID]
	if !exists {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: ErrNotFound}
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	cp := *run
	s.data.SyncRuns[run.ID] = &cp

	return s.commit(func() { s.data.SyncRuns[run.ID] = prev })
}

func (s *JSONStore) ListSyncRuns(ctx context.Context, ownerID, channelID string, limit int) ([]*SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	runs := make([]*SyncRun, 0)
	for _, r := range s.data.SyncRuns {
		if r.OwnerID != ownerID || (channelID != "" && r.ChannelID != channelID) {
			continue
		}
		cp := *r
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- CursorStore implementation ---

func (s *JSONStore) SaveCursor(ctx context.Context, ownerID, channelID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(ownerID, channelID)
	prev, had := s.data.Cursors[key]
	s.data.Cursors[key] = &SyncCursor{
		OwnerID:   ownerID,
		ChannelID: channelID,
		Cursor:    cursor,
		UpdatedAt: time.Now().UTC(),
	}
	return s.commit(func() { restore(s.data.Cursors, key, prev, had) })
}

func (s *JSONStore) LoadCursor(ctx context.Context, ownerID, channelID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.data.Cursors[ownerKey(ownerID, channelID)]
	if !exists {
		return "", &StorageError{Op: "read", Entity: "cursor", ID: channelID, Err: ErrNotFound}
	}
	return c.Cursor, nil
}

func (s *JSONStore) ClearCursor(ctx context.Context, ownerID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(ownerID, channelID)
	prev, exists := s.data.Cursors[key]
	if !exists {
		return nil
	}
	delete(s.data.Cursors, key)
	return s.commit(func() { s.data.Cursors[key] = prev })
}
