package storage

import "time"

// Video is a channel video owned by a dashboard user.
type Video struct {
	ID              string    `json:"id"`          // Internal UUID
	OwnerID         string    `json:"owner_id"`    // Dashboard user
	ExternalID      string    `json:"external_id"` // YouTube video ID
	ChannelID       string    `json:"channel_id"`  // YouTube channel ID (UC...)
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
	DurationSeconds int       `json:"duration_seconds"`
	IsShort         bool      `json:"is_short"`
	PrivacyStatus   string    `json:"privacy_status,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// VideoFields are the fields a sync may overwrite on an existing video.
type VideoFields struct {
	Title           string
	Description     string
	PublishedAt     time.Time
	DurationSeconds int
	IsShort         bool
	PrivacyStatus   string
}

// Apply copies the fields onto v.
func (f VideoFields) Apply(v *Video) {
	v.Title = f.Title
	v.Description = f.Description
	v.PublishedAt = f.PublishedAt
	v.DurationSeconds = f.DurationSeconds
	v.IsShort = f.IsShort
	v.PrivacyStatus = f.PrivacyStatus
}

// VideoMetadata holds the counters and thumbnails refreshed on each sync.
type VideoMetadata struct {
	VideoID      string            `json:"video_id"` // FK to Video.ID
	ViewCount    int64             `json:"view_count"`
	LikeCount    int64             `json:"like_count"`
	CommentCount int64             `json:"comment_count"`
	Thumbnails   map[string]string `json:"thumbnails,omitempty"` // variant -> URL
	SyncedAt     time.Time         `json:"synced_at"`
}

// QuotaUsage is one ledger row.
type QuotaUsage struct {
	OwnerID   string    `json:"owner_id"`
	Day       string    `json:"day"` // YYYY-MM-DD
	Used      int       `json:"used"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncRun summarizes a finished or running batch.
type SyncRun struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ChannelID      string     `json:"channel_id"`
	Mode           string     `json:"mode"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PagesProcessed int        `json:"pages_processed"`
	Processed      int        `json:"processed"`
	New            int        `json:"new"`
	Updated        int        `json:"updated"`
	Errors         int        `json:"errors"`
	LastCursor     string     `json:"last_cursor,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// SyncRun status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
	RunStatusErrored   = "errored"
)

// SyncCursor is a saved continuation token.
type SyncCursor struct {
	OwnerID   string    `json:"owner_id"`
	ChannelID string    `json:"channel_id"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}
