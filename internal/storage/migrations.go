package storage

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *SQLiteStore) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug().Int("version", currentVersion).Msg("current schema version")

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE videos (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					external_id TEXT NOT NULL,
					channel_id TEXT,
					title TEXT NOT NULL DEFAULT '',
					description TEXT,
					published_at DATETIME,
					duration_seconds INTEGER DEFAULT 0,
					is_short BOOLEAN DEFAULT 0,
					privacy_status TEXT,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					UNIQUE(external_id, owner_id)
				);

				CREATE TABLE video_metadata (
					video_id TEXT PRIMARY KEY,
					view_count INTEGER DEFAULT 0,
					like_count INTEGER DEFAULT 0,
					comment_count INTEGER DEFAULT 0,
					thumbnails TEXT,
					synced_at DATETIME NOT NULL,
					FOREIGN KEY(video_id) REFERENCES videos(id)
				);

				CREATE TABLE quota_usage (
					owner_id TEXT NOT NULL,
					day TEXT NOT NULL,
					used INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY(owner_id, day)
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE sync_runs (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					channel_id TEXT NOT NULL,
					mode TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'running',
					started_at DATETIME NOT NULL,
					finished_at DATETIME,
					pages_processed INTEGER DEFAULT 0,
					processed INTEGER DEFAULT 0,
					new_count INTEGER DEFAULT 0,
					updated_count INTEGER DEFAULT 0,
					error_count INTEGER DEFAULT 0,
					last_cursor TEXT,
					error_message TEXT
				);

				CREATE INDEX idx_sync_runs_owner_channel ON sync_runs(owner_id, channel_id, started_at);

				CREATE TABLE sync_cursors (
					owner_id TEXT NOT NULL,
					channel_id TEXT NOT NULL,
					cursor TEXT NOT NULL,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY(owner_id, channel_id)
				);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		s.logger.Info().Int("version", m.version).Msg("applied migration")
	}

	return nil
}
