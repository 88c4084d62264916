// Package engine drives page-by-page synchronization of a YouTube channel's
// uploads into storage: one Executor per page, one Orchestrator per batch.
package engine

import (
	"fmt"

	"ytdash/internal/youtube"
)

// Mode selects how far a batch walks.
type Mode string

const (
	// ModeFull walks every page until the provider runs out of cursors.
	ModeFull Mode = "full"
	// ModeIncremental stops after MaxPages pages or MaxVideos videos.
	ModeIncremental Mode = "incremental"
)

// Defaults shared by the executor and the orchestrator.
const (
	DefaultMaxConsecutiveEmptyPages = 3
	DefaultIncrementalMaxPages      = 5
	DefaultIncrementalMaxVideos     = 250
)

// ParseMode accepts "full" or "incremental".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, s)
}

// SyncOptions is the request configuration of one sync invocation.
// The orchestrator copies it and only advances PageCursor between pages.
type SyncOptions struct {
	Mode           Mode
	IncludeRegular bool
	IncludeShorts  bool
	// SyncMetadata refreshes already-known videos; otherwise they are only counted.
	SyncMetadata bool
	// MaxVideosPerPage is capped at youtube.MaxPageSize; 0 means the cap.
	MaxVideosPerPage int
	// DeepScan disables the empty-page early stop.
	DeepScan                 bool
	MaxConsecutiveEmptyPages int
	// PageCursor is the continuation token of the previous page, empty on the first.
	PageCursor string
	// Resume starts from the cursor saved by an interrupted batch when
	// PageCursor is empty. Only the orchestrator reads it.
	Resume bool

	OwnerID   string
	ChannelID string

	// Incremental limits. Zero means the package default.
	MaxPages  int
	MaxVideos int
}

// DefaultOptions returns options that sync every video of a channel.
func DefaultOptions(ownerID, channelID string) SyncOptions {
	return SyncOptions{
		Mode:                     ModeFull,
		IncludeRegular:           true,
		IncludeShorts:            true,
		SyncMetadata:             true,
		MaxVideosPerPage:         youtube.MaxPageSize,
		MaxConsecutiveEmptyPages: DefaultMaxConsecutiveEmptyPages,
		OwnerID:                  ownerID,
		ChannelID:                channelID,
	}
}

// normalized fills zero values with defaults.
func (o SyncOptions) normalized() SyncOptions {
	if o.Mode == "" {
		o.Mode = ModeFull
	}
	if o.MaxVideosPerPage <= 0 || o.MaxVideosPerPage > youtube.MaxPageSize {
		o.MaxVideosPerPage = youtube.MaxPageSize
	}
	if o.MaxConsecutiveEmptyPages <= 0 {
		o.MaxConsecutiveEmptyPages = DefaultMaxConsecutiveEmptyPages
	}
	if o.Mode == ModeIncremental {
		if o.MaxPages <= 0 {
			o.MaxPages = DefaultIncrementalMaxPages
		}
		if o.MaxVideos <= 0 {
			o.MaxVideos = DefaultIncrementalMaxVideos
		}
	}
	return o
}

// Validate checks the options that cannot be defaulted.
func (o SyncOptions) Validate() error {
	if o.OwnerID == "" {
		return fmt.Errorf("%w: owner ID is required", ErrInvalidOptions)
	}
	if o.ChannelID == "" {
		return fmt.Errorf("%w: channel ID is required", ErrInvalidOptions)
	}
	if !o.IncludeRegular && !o.IncludeShorts {
		return fmt.Errorf("%w: at least one of regular videos or shorts must be included", ErrInvalidOptions)
	}
	if o.Mode != ModeFull && o.Mode != ModeIncremental {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, o.Mode)
	}
	if o.MaxVideosPerPage > youtube.MaxPageSize {
		return fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidOptions, o.MaxVideosPerPage, youtube.MaxPageSize)
	}
	return nil
}

// Stats are the per-page or cumulative counters.
type Stats struct {
	Processed int `json:"processed"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.New += o.New
	s.Updated += o.Updated
	s.Errors += o.Errors
}

// PageStats describe the raw page, before filtering.
type PageStats struct {
	VideosInPage  int
	NewInPage     int
	UpdatedInPage int
	// FilteredOut counts videos skipped by the regular/shorts filters.
	FilteredOut int
	// IsEmptyPage is true when the page brought no new video. A page can be
	// empty in this sense and still have VideosInPage > 0.
	IsEmptyPage bool
}

// PageSyncResult is the outcome of one page.
type PageSyncResult struct {
	Stats          Stats
	NextPageCursor string
	PageStats      PageStats
	Errors         []ItemError
	// TotalResults is the provider's estimate of the channel's upload count.
	TotalResults int
	// QuotaUsed is the number of API calls charged for this page, retries included.
	QuotaUsed int
	// Cached is set when the page was served from CachedExecutor. Storage was
	// not touched, so nothing counts as new, updated or failed.
	Cached bool
}

// HasMorePages reports whether the provider returned a continuation cursor.
func (r *PageSyncResult) HasMorePages() bool { return r.NextPageCursor != "" }
