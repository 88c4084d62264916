package youtube

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidChannel means the input is neither a channel ID, a channel URL nor a handle.
var ErrInvalidChannel = errors.New("youtube: invalid channel reference")

// channelIDRegex matches YouTube channel IDs (UC followed by 22 base64 chars).
var channelIDRegex = regexp.MustCompile(`UC[a-zA-Z0-9_-]{22}`)

// ExtractChannelID pulls a channel ID out of an ID or a /channel/ URL.
func ExtractChannelID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "youtube.com/channel/") {
		rest := strings.SplitN(input, "youtube.com/channel/", 2)[1]
		id := strings.Split(rest, "/")[0]
		id = strings.Split(id, "?")[0]
		if channelIDRegex.MatchString(id) {
			return channelIDRegex.FindString(id), nil
		}
	}
	if m := channelIDRegex.FindString(input); m != "" && len(input) == len(m) {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, input)
}

// handleFrom returns the handle of "@name" or "youtube.com/@name" inputs.
func handleFrom(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if i := strings.Index(input, "youtube.com/@"); i >= 0 {
		input = input[i+len("youtube.com/"):]
	}
	if !strings.HasPrefix(input, "@") {
		return "", false
	}
	h := strings.TrimPrefix(input, "@")
	h = strings.Split(h, "/")[0]
	h = strings.Split(h, "?")[0]
	return h, h != ""
}

// ResolveChannel turns an ID, URL or @handle into a channel ID. Handles cost
// one API call; the second return value reports the calls made.
func (c *DataClient) ResolveChannel(ctx context.Context, input string) (string, int, error) {
	if id, err := ExtractChannelID(input); err == nil {
		return id, 0, nil
	}
	handle, ok := handleFrom(input)
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidChannel, input)
	}

	resp, err := c.service.Channels.List([]string{"id"}).
		ForHandle(handle).
		Context(ctx).
		Do()
	if err != nil {
		return "", 1, Classify("channels.list", err)
	}
	if len(resp.Items) == 0 {
		return "", 1, &APIError{Op: "channels.list", Kind: ErrChannelNotFound, Err: fmt.Errorf("no channel for handle @%s", handle)}
	}
	return resp.Items[0].Id, 1, nil
}
