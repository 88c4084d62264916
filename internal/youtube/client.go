// Package youtube is the YouTube Data API v3 client used by the sync engine.
package youtube

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// MaxPageSize is the Data API limit for maxResults.
const MaxPageSize = 50

const (
	uploadsCacheSize = 256
	uploadsCacheTTL  = 24 * time.Hour
)

// PageRequest asks for one page of a channel's uploads.
type PageRequest struct {
	ChannelID string
	Cursor    string
	PageSize  int
}

// ListResult is one page of upload IDs.
type ListResult struct {
	VideoIDs   []string
	NextCursor string
	// TotalResults is the provider's estimate of the playlist size.
	TotalResults int
	// Calls is the number of API requests made, including a channel lookup
	// when the uploads playlist was not cached.
	Calls int
}

// VideoDetails is the per-video payload of videos.list.
type VideoDetails struct {
	ID              string
	ChannelID       string
	Title           string
	Description     string
	PublishedAt     time.Time
	Duration        string
	DurationSeconds int
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
	Thumbnails      map[string]string
	PrivacyStatus   string
}

// Provider is the list/detail surface the sync engine consumes.
type Provider interface {
	ListPage(ctx context.Context, req PageRequest) (*ListResult, error)
	FetchDetails(ctx context.Context, ids []string) ([]VideoDetails, error)
}

// ListCoster is implemented by providers whose ListPage may issue more than
// one request. ListCost is the number ListPage would make for channelID now.
type ListCoster interface {
	ListCost(channelID string) int
}

// ListCost returns the requests a Provider will spend on one ListPage:
// p's own estimate when it has one, otherwise 1.
func ListCost(p Provider, channelID string) int {
	if lc, ok := p.(ListCoster); ok {
		if n := lc.ListCost(channelID); n > 0 {
			return n
		}
	}
	return 1
}

// DataClient implements Provider with the official Data API client.
type DataClient struct {
	service *youtube.Service
	uploads *expirable.LRU[string, string]
	logger  zerolog.Logger
}

// NewDataClient creates a client. Pass option.WithTokenSource for OAuth or
// option.WithAPIKey for public data.
func NewDataClient(ctx context.Context, logger zerolog.Logger, opts ...option.ClientOption) (*DataClient, error) {
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &DataClient{
		service: service,
		uploads: expirable.NewLRU[string, string](uploadsCacheSize, nil, uploadsCacheTTL),
		logger:  logger.With().Str("component", "youtube").Logger(),
	}, nil
}

// UploadsPlaylistID resolves a channel's uploads playlist. The second return
// value is the number of API calls made (0 on a cache hit).
func (c *DataClient) UploadsPlaylistID(ctx context.Context, channelID string) (string, int, error) {
	if id, ok := c.uploads.Get(channelID); ok {
		return id, 0, nil
	}
	// UC... channels have a UU... uploads playlist, but the lookup also
	// validates that the channel exists and that the token can see it.
	resp, err := c.service.Channels.List([]string{"contentDetails"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return "", 1, Classify("channels.list", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil ||
		resp.Items[0].ContentDetails.RelatedPlaylists == nil ||
		resp.Items[0].ContentDetails.RelatedPlaylists.Uploads == "" {
		return "", 1, &APIError{Op: "channels.list", Kind: ErrChannelNotFound, Err: fmt.Errorf("no uploads playlist for %s", channelID)}
	}

	id := resp.Items[0].ContentDetails.RelatedPlaylists.Uploads
	c.uploads.Add(channelID, id)
	return id, 1, nil
}

// ListCost is 1, plus a channels.list lookup while the uploads playlist is
// not cached.
func (c *DataClient) ListCost(channelID string) int {
	if _, ok := c.uploads.Peek(channelID); ok {
		return 1
	}
	return 2
}

// ListPage fetches one page of upload IDs.
func (c *DataClient) ListPage(ctx context.Context, req PageRequest) (*ListResult, error) {
	playlistID, calls, err := c.UploadsPlaylistID(ctx, req.ChannelID)
	if err != nil {
		return &ListResult{Calls: calls}, err
	}

	size := req.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}

	call := c.service.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(int64(size)).
		Context(ctx)
	if req.Cursor != "" {
		call = call.PageToken(req.Cursor)
	}

	calls++
	resp, err := call.Do()
	if err != nil {
		return &ListResult{Calls: calls}, Classify("playlistItems.list", err)
	}

	res := &ListResult{
		NextCursor: resp.NextPageToken,
		Calls:      calls,
		VideoIDs:   make([]string, 0, len(resp.Items)),
	}
	if resp.PageInfo != nil {
		res.TotalResults = int(resp.PageInfo.TotalResults)
	}
	for _, item := range resp.Items {
		if item.ContentDetails == nil || item.ContentDetails.VideoId == "" {
			continue
		}
		res.VideoIDs = append(res.VideoIDs, item.ContentDetails.VideoId)
	}

	c.logger.Debug().
		Str("playlist_id", playlistID).
		Int("items", len(res.VideoIDs)).
		Bool("has_next", res.NextCursor != "").
		Msg("playlist page fetched")
	return res, nil
}

// FetchDetails fetches snippet, contentDetails, statistics and status for up to
// MaxPageSize IDs in one call.
func (c *DataClient) FetchDetails(ctx context.Context, ids []string) ([]VideoDetails, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxPageSize {
		return nil, fmt.Errorf("fetch details: %d ids exceeds limit of %d", len(ids), MaxPageSize)
	}

	resp, err := c.service.Videos.List([]string{"snippet", "contentDetails", "statistics", "status"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, Classify("videos.list", err)
	}

	out := make([]VideoDetails, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, convertVideo(item, c.logger))
	}
	return out, nil
}

func convertVideo(item *youtube.Video, logger zerolog.Logger) VideoDetails {
	d := VideoDetails{ID: item.Id}

	if s := item.Snippet; s != nil {
		d.ChannelID = s.ChannelId
		d.Title = s.Title
		d.Description = s.Description
		if t, err := time.Parse(time.RFC3339, s.PublishedAt); err == nil {
			d.PublishedAt = t
		} else {
			logger.Warn().Err(err).Str("video_id", item.Id).Str("date", s.PublishedAt).Msg("failed to parse published date")
		}
		d.Thumbnails = thumbnails(s.Thumbnails)
	}
	if cd := item.ContentDetails; cd != nil {
		d.Duration = cd.Duration
		if secs, err := ParseDuration(cd.Duration); err == nil {
			d.DurationSeconds = secs
		}
	}
	if st := item.Statistics; st != nil {
		d.ViewCount = int64(st.ViewCount)
		d.LikeCount = int64(st.LikeCount)
		d.CommentCount = int64(st.CommentCount)
	}
	if status := item.Status; status != nil {
		d.PrivacyStatus = status.PrivacyStatus
	}
	return d
}

func thumbnails(t *youtube.ThumbnailDetails) map[string]string {
	if t == nil {
		return nil
	}
	out := make(map[string]string)
	add := func(name string, th *youtube.Thumbnail) {
		if th != nil && th.Url != "" {
			out[name] = th.Url
		}
	}
	add("default", t.Default)
	add("medium", t.Medium)
	add("high", t.High)
	add("standard", t.Standard)
	add("maxres", t.Maxres)
	return out
}
