// Package ytdash syncs a YouTube channel's uploads into a dashboard store
// while staying inside the owner's daily API quota.
//
// Overview
//
// A sync is a batch of pages. The batch orchestrator asks the executor for
// one page at a time; the executor checks the quota tracker and the rate
// limiter, lists the page through the YouTube Data API, fetches the video
// details, filters shorts or regular videos and upserts the rest. Between
// pages the orchestrator applies its stop rules, sleeps for an adaptive
// delay and reports progress to its sinks.
//
// Packages
//
//   - internal/engine: Executor, Orchestrator, Reporter and the page cache
//   - internal/quota: daily quota ledger checks
//   - internal/ratelimit: sliding window limiter and page pacer
//   - internal/youtube: Data API client, OAuth token source, duration parsing
//   - internal/storage: SQLite and JSON file backends
//   - internal/retry: attempt schedule and classification
//   - internal/config: ytdash.yaml and YTDASH_* environment configuration
//   - internal/metrics: Prometheus collectors fed by progress events
//
// Configuration
//
// Settings are loaded in this order, later sources winning:
//
//  1. Default values
//  2. Config file (ytdash.yaml or ~/.config/ytdash/ytdash.yaml)
//  3. Environment variables, e.g. YTDASH_QUOTA_DAILY_LIMIT or YTDASH_SYNC_MODE
//  4. Command-line flags
//
// Error Handling
//
// Batch failures are *SyncError values carrying a Kind and an actionable
// UserMessage:
//
//	res, err := orch.Run(ctx, opts)
//	if errors.Is(err, ytdash.ErrQuotaExceeded) {
//		var se *ytdash.SyncError
//		errors.As(err, &se)
//		fmt.Println(se.UserMessage())
//	}
//
// A batch that fails keeps its partial result: res holds the pages and videos
// synced before the error.
package ytdash
