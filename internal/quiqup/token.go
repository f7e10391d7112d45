package quiqup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/quiqup-proxy/internal/obs"
)

// ErrAuthFailed signals that the credential exchange with the provider was
// rejected. Callers map it to a generic server error.
var ErrAuthFailed = errors.New("quiqup auth failed")

const defaultExpiresIn = 3600

// Credential is a bearer token together with its recorded expiry.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the credential can still be served at the given
// instant. A token inside the safety margin before expiry counts as invalid
// so a refresh happens before the upstream starts rejecting it.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// SharedStore persists credentials across process instances so recycled or
// parallel instances can reuse a live token instead of exchanging a new one.
type SharedStore interface {
	Get(ctx context.Context) (Credential, bool, error)
	Put(ctx context.Context, cred Credential) error
}

// TokenCache owns the process-wide credential slot. The slot is guarded by a
// mutex: at most one in-process exchange runs at a time, and concurrent
// requests arriving during a refresh wait for its result.
type TokenCache struct {
	Base         string
	ClientID     string
	ClientSecret string
	Margin       time.Duration
	HTTP         *http.Client
	Store        SharedStore
	Logger       zerolog.Logger
	Now          func() time.Time

	mu   sync.Mutex
	cred Credential
}

// Token returns a bearer token, refreshing via the client-credentials flow
// when the cached one is absent or within the safety margin of expiry.
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	if tc.cred.ValidAt(now, tc.margin()) {
		countTokenRequest("cache")
		return tc.cred.Token, nil
	}

	if tc.Store != nil {
		cred, ok, err := tc.Store.Get(ctx)
		if err != nil {
			tc.Logger.Warn().Err(err).Msg("shared token store read failed")
		} else if ok && cred.ValidAt(now, tc.margin()) {
			tc.cred = cred
			countTokenRequest("shared")
			return cred.Token, nil
		}
	}

	cred, err := tc.exchange(ctx)
	if err != nil {
		return "", err
	}
	tc.cred = cred
	if tc.Store != nil {
		if err := tc.Store.Put(ctx, cred); err != nil {
			tc.Logger.Warn().Err(err).Msg("shared token store write failed")
		}
	}
	countTokenRequest("exchange")
	return cred.Token, nil
}

func (tc *TokenCache) exchange(ctx context.Context) (Credential, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     tc.ClientID,
		"client_secret": tc.ClientSecret,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.Base+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.httpClient().Do(req)
	if err != nil {
		countTokenExchange("error")
		return Credential{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		tc.Logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("quiqup token exchange rejected")
		countTokenExchange("rejected")
		return Credential{}, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrAuthFailed)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		countTokenExchange("error")
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		countTokenExchange("error")
		return Credential{}, fmt.Errorf("empty access token: %w", ErrAuthFailed)
	}
	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	countTokenExchange("ok")
	return Credential{
		Token:     parsed.AccessToken,
		ExpiresAt: tc.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (tc *TokenCache) now() time.Time {
	if tc.Now != nil {
		return tc.Now()
	}
	return time.Now()
}

func (tc *TokenCache) margin() time.Duration {
	if tc.Margin > 0 {
		return tc.Margin
	}
	return 15 * time.Second
}

func (tc *TokenCache) httpClient() *http.Client {
	if tc.HTTP != nil {
		return tc.HTTP
	}
	return http.DefaultClient
}

func countTokenRequest(source string) {
	if obs.TokenRequestsTotal != nil {
		obs.TokenRequestsTotal.WithLabelValues(source).Inc()
	}
}

func countTokenExchange(result string) {
	if obs.TokenExchangeTotal != nil {
		obs.TokenExchangeTotal.WithLabelValues(result).Inc()
	}
}
