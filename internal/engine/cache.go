package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL is how long a page result is reused.
const DefaultCacheTTL = 10 * time.Minute

const defaultCacheSize = 512

// CachedExecutor reuses recent page results for identical options so that
// repeated syncs of the same page within the TTL cost no quota.
type CachedExecutor struct {
	next  PageSyncer
	cache *expirable.LRU[string, *PageSyncResult]
}

// NewCachedExecutor wraps next. size <= 0 and ttl <= 0 select the defaults.
func NewCachedExecutor(next PageSyncer, size int, ttl time.Duration) *CachedExecutor {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedExecutor{
		next:  next,
		cache: expirable.NewLRU[string, *PageSyncResult](size, nil, ttl),
	}
}

// SyncPage returns a replay of a cached page when available. A replay keeps
// the cursor and page size but reports only processed videos, since nothing
// was written. Errors are never cached.
func (c *CachedExecutor) SyncPage(ctx context.Context, opts SyncOptions) (*PageSyncResult, error) {
	key := cacheKey(opts.normalized())
	if res, ok := c.cache.Get(key); ok {
		return replay(res), nil
	}

	res, err := c.next.SyncPage(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneResult(res))
	return res, nil
}

// Purge drops every cached page.
func (c *CachedExecutor) Purge() { c.cache.Purge() }

// Len is the number of cached pages.
func (c *CachedExecutor) Len() int { return c.cache.Len() }

func cacheKey(o SyncOptions) string {
	return fmt.Sprintf("%s|%s|%s|%s|r=%t|s=%t|m=%t|n=%d",
		o.OwnerID, o.ChannelID, o.PageCursor, o.Mode,
		o.IncludeRegular, o.IncludeShorts, o.SyncMetadata, o.MaxVideosPerPage)
}

func replay(r *PageSyncResult) *PageSyncResult {
	return &PageSyncResult{
		Stats:          Stats{Processed: r.Stats.Processed},
		NextPageCursor: r.NextPageCursor,
		PageStats: PageStats{
			VideosInPage: r.PageStats.VideosInPage,
			FilteredOut:  r.PageStats.FilteredOut,
			IsEmptyPage:  true,
		},
		TotalResults: r.TotalResults,
		Cached:       true,
	}
}

func cloneResult(r *PageSyncResult) *PageSyncResult {
	cp := *r
	if r.Errors != nil {
		cp.Errors = append([]ItemError(nil), r.Errors...)
	}
	return &cp
}
