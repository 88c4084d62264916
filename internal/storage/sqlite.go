package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens the database at dbPath and runs migrations.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serializes writers; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite").Logger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("store initialized")
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// VideoStore
// ============================================================================

func (s *SQLiteStore) FindByExternalID(ctx context.Context, externalID, ownerID string) (*Video, error) {
	const query = `
		SELECT id, owner_id, external_id, channel_id, title, description, published_at,
			duration_seconds, is_short, privacy_status, created_at, updated_at
		FROM videos WHERE external_id = ? AND owner_id = ?
	`

	var (
		v           Video
		channelID   sql.NullString
		description sql.NullString
		privacy     sql.NullString
		published   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, externalID, ownerID).Scan(
		&v.ID, &v.OwnerID, &v.ExternalID, &channelID, &v.Title, &description, &published,
		&v.DurationSeconds, &v.IsShort, &privacy, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "read", Entity: "video", ID: externalID, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Entity: "video", ID: externalID, Err: err}
	}

	v.ChannelID = channelID.String
	v.Description = description.String
	v.PrivacyStatus = privacy.String
	if published.Valid {
		v.PublishedAt = published.Time
	}
	return &v, nil
}

func (s *SQLiteStore) InsertVideo(ctx context.Context, video *Video) error {
	if video.ExternalID == "" || video.OwnerID == "" {
		return &StorageError{Op: "create", Entity: "video", Err: ErrInvalidInput}
	}
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	video.CreatedAt = now
	video.UpdatedAt = now

	const query = `
		INSERT INTO videos (
			id, owner_id, external_id, channel_id, title, description, published_at,
			duration_seconds, is_short, privacy_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		video.ID, video.OwnerID, video.ExternalID, video.ChannelID, video.Title, video.Description,
		nullTime(video.PublishedAt), video.DurationSeconds, video.IsShort, video.PrivacyStatus,
		video.CreatedAt, video.UpdatedAt,
	)
	if err != nil {
		if existing, findErr := s.FindByExternalID(ctx, video.ExternalID, video.OwnerID); findErr == nil && existing != nil {
			return &StorageError{Op: "create", Entity: "video", ID: video.ExternalID, Err: ErrAlreadyExists}
		}
		return &StorageError{Op: "create", Entity: "video", ID: video.ExternalID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateVideo(ctx context.Context, id string, fields VideoFields) error {
	const query = `
		UPDATE videos SET
			title = ?, description = ?, published_at = ?, duration_seconds = ?,
			is_short = ?, privacy_status = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		fields.Title, fields.Description, nullTime(fields.PublishedAt), fields.DurationSeconds,
		fields.IsShort, fields.PrivacyStatus, time.Now().UTC(), id,
	)
	if err != nil {
		return &StorageError{Op: "update", Entity: "video", ID: id, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StorageError{Op: "update", Entity: "video", ID: id, Err: ErrNotFound}
	}
	return nil
}

func (s *SQLiteStore) UpsertMetadata(ctx context.Context, meta *VideoMetadata) error {
	if meta.VideoID == "" {
		return &StorageError{Op: "upsert", Entity: "metadata", Err: ErrInvalidInput}
	}
	thumbs, err := json.Marshal(meta.Thumbnails)
	if err != nil {
		return &StorageError{Op: "upsert", Entity: "metadata", ID: meta.VideoID, Err: err}
	}
	if meta.SyncedAt.IsZero() {
		meta.SyncedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO video_metadata (video_id, view_count, like_count, comment_count, thumbnails, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			view_count = excluded.view_count,
			like_count = excluded.like_count,
			comment_count = excluded.comment_count,
			thumbnails = excluded.thumbnails,
			synced_at = excluded.synced_at
	`
	_, err = s.db.ExecContext(ctx, query,
		meta.VideoID, meta.ViewCount, meta.LikeCount, meta.CommentCount, string(thumbs), meta.SyncedAt,
	)
	if err != nil {
		return &StorageError{Op: "upsert", Entity: "metadata", ID: meta.VideoID, Err: err}
	}
	return nil
}

// GetMetadata returns the metadata row of a video.
func (s *SQLiteStore) GetMetadata(ctx context.Context, videoID string) (*VideoMetadata, error) {
	const query = `
		SELECT video_id, view_count, like_count, comment_count, thumbnails, synced_at
		FROM video_metadata WHERE video_id = ?
	`
	var (
		m      VideoMetadata
		thumbs sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, videoID).Scan(
		&m.VideoID, &m.ViewCount, &m.LikeCount, &m.CommentCount, &thumbs, &m.SyncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "read", Entity: "metadata", ID: videoID, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Entity: "metadata", ID: videoID, Err: err}
	}
	if thumbs.Valid && thumbs.String != "" && thumbs.String != "null" {
		if err := json.Unmarshal([]byte(thumbs.String), &m.Thumbnails); err != nil {
			return nil, &StorageError{Op: "read", Entity: "metadata", ID: videoID, Err: ErrStorageCorrupt}
		}
	}
	return &m, nil
}

func (s *SQLiteStore) CountVideos(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM videos WHERE owner_id = ?", ownerID).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count", Entity: "video", Err: err}
	}
	return n, nil
}

// ============================================================================
// QuotaLedger
// ============================================================================

func (s *SQLiteStore) GetUsage(ctx context.Context, ownerID, day string) (*QuotaUsage, error) {
	const query = `SELECT owner_id, day, used, updated_at FROM quota_usage WHERE owner_id = ? AND day = ?`

	var u QuotaUsage
	err := s.db.QueryRowContext(ctx, query, ownerID, day).Scan(&u.OwnerID, &u.Day, &u.Used, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "read", Entity: "quota", ID: day, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Entity: "quota", ID: day, Err: err}
	}
	return &u, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, ownerID, day string, n int) (int, error) {
	if n < 0 {
		return 0, &StorageError{Op: "increment", Entity: "quota", ID: day, Err: ErrInvalidInput}
	}

	// Single statement so concurrent writers never lose an increment.
	const query = `
		INSERT INTO quota_usage (owner_id, day, used, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, day) DO UPDATE SET
			used = quota_usage.used + excluded.used,
			updated_at = excluded.updated_at
		RETURNING used
	`
	var total int
	err := s.db.QueryRowContext(ctx, query, ownerID, day, n, time.Now().UTC()).Scan(&total)
	if err != nil {
		return 0, &StorageError{Op: "increment", Entity: "quota", ID: day, Err: err}
	}
	return total, nil
}

// ============================================================================
// SyncRunStore
// ============================================================================

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO sync_runs (id, owner_id, channel_id, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, run.ID, run.OwnerID, run.ChannelID, run.Mode, run.Status, run.StartedAt)
	if err != nil {
		return &StorageError{Op: "create", Entity: "sync_run", ID: run.ID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}

	const query = `
		UPDATE sync_runs SET
			status = ?, finished_at = ?, pages_processed = ?, processed = ?, new_count = ?,
			updated_count = ?, error_count = ?, last_cursor = ?, error_message = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		run.Status, *run.FinishedAt, run.PagesProcessed, run.Processed, run.New,
		run.Updated, run.Errors, run.LastCursor, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: ErrNotFound}
	}
	return nil
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, ownerID, channelID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT id, owner_id, channel_id, mode, status, started_at, finished_at, pages_processed,
			processed, new_count, updated_count, error_count, last_cursor, error_message
		FROM sync_runs
		WHERE owner_id = ? AND (? = '' OR channel_id = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID, channelID, channelID, limit)
	if err != nil {
		return nil, &StorageError{Op: "list", Entity: "sync_run", Err: err}
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var (
			r        SyncRun
			finished sql.NullTime
			cursor   sql.NullString
			message  sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.ChannelID, &r.Mode, &r.Status, &r.StartedAt, &finished, &r.PagesProcessed,
			&r.Processed, &r.New, &r.Updated, &r.Errors, &cursor, &message,
		); err != nil {
			return nil, &StorageError{Op: "list", Entity: "sync_run", Err: err}
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		r.LastCursor = cursor.String
		r.ErrorMessage = message.String
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Entity: "sync_run", Err: err}
	}
	return runs, nil
}

// ============================================================================
// CursorStore
// ============================================================================

func (s *SQLiteStore) SaveCursor(ctx context.Context, ownerID, channelID, cursor string) error {
	const query = `
		INSERT INTO sync_cursors (owner_id, channel_id, cursor, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, channel_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, ownerID, channelID, cursor, time.Now().UTC()); err != nil {
		return &StorageError{Op: "upsert", Entity: "cursor", ID: channelID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) LoadCursor(ctx context.Context, ownerID, channelID string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor FROM sync_cursors WHERE owner_id = ? AND channel_id = ?", ownerID, channelID,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &StorageError{Op: "read", Entity: "cursor", ID: channelID, Err: ErrNotFound}
	}
	if err != nil {
		return "", &StorageError{Op: "read", Entity: "cursor", ID: channelID, Err: err}
	}
	return cursor, nil
}

func (s *SQLiteStore) ClearCursor(ctx context.Context, ownerID, channelID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_cursors WHERE owner_id = ? AND channel_id = ?", ownerID, channelID)
	if err != nil {
		return &StorageError{Op: "delete", Entity: "cursor", ID: channelID, Err: err}
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
