package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"ytdash/internal/storage"
)

// Scope is the OAuth scope needed to read a channel's private uploads.
const Scope = "https://www.googleapis.com/auth/youtube.readonly"

// TokenStore persists OAuth tokens per dashboard user.
type TokenStore interface {
	LoadToken(ctx context.Context, ownerID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, ownerID string, tok *oauth2.Token) error
}

// FileTokenStore keeps tokens in a JSON file keyed by owner.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore returns a store backed by path. The file is created on first save.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) readAll() (map[string]*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*oauth2.Token{}, nil
	}
	if err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "token", Err: err}
	}
	tokens := map[string]*oauth2.Token{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, &storage.StorageError{Op: "read", Entity: "token", Err: storage.ErrStorageCorrupt}
	}
	return tokens, nil
}

// LoadToken returns storage.ErrNotFound when the owner never connected.
func (s *FileTokenStore) LoadToken(ctx context.Context, ownerID string) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.readAll()
	if err != nil {
		return nil, err
	}
	tok, ok := tokens[ownerID]
	if !ok {
		return nil, &storage.StorageError{Op: "read", Entity: "token", ID: ownerID, Err: storage.ErrNotFound}
	}
	return tok, nil
}

// SaveToken writes the token atomically.
func (s *FileTokenStore) SaveToken(ctx context.Context, ownerID string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.readAll()
	if err != nil {
		return err
	}
	tokens[ownerID] = tok

	if err := storage.WriteJSONFile(s.path, tokens); err != nil {
		return &storage.StorageError{Op: "write", Entity: "token", ID: ownerID, Err: err}
	}
	return nil
}

// OAuthConfig builds the client config for the installed-app flow.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{Scope},
		Endpoint:     google.Endpoint,
	}
}

// persistingSource saves every token it hands out that differs from the last
// one saved, so refreshed access tokens survive restarts.
type persistingSource struct {
	base    oauth2.TokenSource
	store   TokenStore
	ownerID string
	logger  zerolog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, &APIError{Op: "oauth2.refresh", Kind: ErrAuthenticationRequired, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.SaveToken(context.Background(), p.ownerID, tok); err != nil {
			// The token is still usable for this process.
			p.logger.Warn().Err(err).Str("owner_id", p.ownerID).Msg("failed to persist refreshed token")
		} else {
			p.last = tok.AccessToken
			p.logger.Debug().Str("owner_id", p.ownerID).Time("expiry", tok.Expiry).Msg("token persisted")
		}
	}
	return tok, nil
}

// TokenSource loads the owner's token and returns a source that refreshes it
// when expired and writes the refreshed token back to store.
func TokenSource(ctx context.Context, conf *oauth2.Config, store TokenStore, ownerID string, logger zerolog.Logger) (oauth2.TokenSource, error) {
	tok, err := store.LoadToken(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &APIError{Op: "oauth2.load", Kind: ErrAuthenticationRequired, Err: err}
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	src := &persistingSource{
		base:    conf.TokenSource(ctx, tok),
		store:   store,
		ownerID: ownerID,
		logger:  logger,
		last:    tok.AccessToken,
	}
	return oauth2.ReuseTokenSource(tok, src), nil
}

// EnsureToken verifies that a valid token can be produced before a sync starts.
func EnsureToken(ts oauth2.TokenSource) error {
	tok, err := ts.Token()
	if err != nil {
		return Classify("oauth2.refresh", err)
	}
	if !tok.Valid() {
		return &APIError{Op: "oauth2.refresh", Kind: ErrAuthenticationRequired, Err: errors.New("token invalid after refresh")}
	}
	return nil
}
