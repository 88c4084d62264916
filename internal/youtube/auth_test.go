package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"ytdash/internal/storage"
)

func TestFileTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	_, err := store.LoadToken(ctx, "owner-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tok := &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, store.SaveToken(ctx, "owner-1", tok))
	require.NoError(t, store.SaveToken(ctx, "owner-2", &oauth2.Token{AccessToken: "b1"}))

	got, err := store.LoadToken(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)

	got, err = store.LoadToken(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.AccessToken)
}

func TestFileTokenStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileTokenStore(path).LoadToken(context.Background(), "owner-1")
	assert.ErrorIs(t, err, storage.ErrStorageCorrupt)
}

func TestTokenSourceMissingToken(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	conf := OAuthConfig("id", "secret", "http://localhost")

	_, err := TokenSource(context.Background(), conf, store, "nobody", zerolog.Nop())
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestTokenSourceRefreshPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	expired := &oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)}
	require.NoError(t, store.SaveToken(ctx, "owner-1", expired))

	conf := OAuthConfig("id", "secret", "http://localhost")
	conf.Endpoint = oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}

	ts, err := TokenSource(ctx, conf, store, "owner-1", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, EnsureToken(ts))

	saved, err := store.LoadToken(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
}

func TestTokenSourceRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, store.SaveToken(ctx, "owner-1", &oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)}))

	conf := OAuthConfig("id", "secret", "http://localhost")
	conf.Endpoint = oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}

	ts, err := TokenSource(ctx, conf, store, "owner-1", zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, EnsureToken(ts), ErrAuthenticationRequired)
}
