package quiqup_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quiqup-proxy/internal/quiqup"
)

func newTokenServer(t *testing.T, calls *int64, expiresIn any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/oauth/token", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "client_credentials", body["grant_type"])
		require.Equal(t, "id", body["client_id"])
		require.Equal(t, "secret", body["client_secret"])

		n := atomic.AddInt64(calls, 1)
		resp := map[string]any{"access_token": "tok-" + string(rune('0'+n))}
		if expiresIn != nil {
			resp["expires_in"] = expiresIn
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestTokenCacheReuse(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, 3600)
	t.Cleanup(srv.Close)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := &quiqup.TokenCache{
		Base:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Margin:       15 * time.Second,
		Now:          func() time.Time { return now },
	}

	ctx := context.Background()
	first, err := tc.Token(ctx)
	require.NoError(t, err)

	// A second request well before expiry serves the cached slot.
	now = now.Add(30 * time.Minute)
	second, err := tc.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestTokenCacheRefreshInsideSafetyMargin(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, 60)
	t.Cleanup(srv.Close)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := &quiqup.TokenCache{
		Base:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Margin:       15 * time.Second,
		Now:          func() time.Time { return now },
	}

	ctx := context.Background()
	first, err := tc.Token(ctx)
	require.NoError(t, err)

	// 50s into a 60s lifetime is within the 15s margin: refresh.
	now = now.Add(50 * time.Second)
	second, err := tc.Token(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestTokenCacheDefaultExpiry(t *testing.T) {
	var calls int64
	srv := newTokenServer(t, &calls, nil)
	t.Cleanup(srv.Close)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := &quiqup.TokenCache{
		Base:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Now:          func() time.Time { return now },
	}

	ctx := context.Background()
	_, err := tc.Token(ctx)
	require.NoError(t, err)

	// Default lifetime is 3600s; 58 minutes in, the token still serves.
	now = now.Add(58 * time.Minute)
	_, err = tc.Token(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// Past the hour it does not.
	now = now.Add(3 * time.Minute)
	_, err = tc.Token(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestTokenCacheAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tc := &quiqup.TokenCache{Base: srv.URL, ClientID: "id", ClientSecret: "secret", Logger: zerolog.Nop()}

	_, err := tc.Token(context.Background())
	require.ErrorIs(t, err, quiqup.ErrAuthFailed)
}

func TestTokenCacheSharedStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := quiqup.RedisTokenStore{Client: client}

	var calls int64
	srv := newTokenServer(t, &calls, 3600)
	t.Cleanup(srv.Close)

	first := &quiqup.TokenCache{
		Base:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Store:        store,
	}

	ctx := context.Background()
	tok, err := first.Token(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// A fresh instance (empty slot) picks the shared token up without a
	// second exchange.
	second := &quiqup.TokenCache{
		Base:         srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Store:        store,
	}
	tok2, err := second.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, tok2)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestRedisTokenStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := quiqup.RedisTokenStore{Client: client, Key: "test:token"}

	ctx := context.Background()
	_, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	cred := quiqup.Credential{Token: "abc", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, store.Put(ctx, cred))

	got, ok, err := store.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cred.Token, got.Token)
	require.WithinDuration(t, cred.ExpiresAt, got.ExpiresAt, time.Second)

	// Entries expire with the token.
	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
