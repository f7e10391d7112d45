package track_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quiqup-proxy/internal/origin"
	"github.com/noah-isme/quiqup-proxy/internal/quiqup"
	"github.com/noah-isme/quiqup-proxy/internal/track"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) { return s.token, s.err }

type staticOrders struct {
	raw map[string]any
	err error
}

func (s staticOrders) FetchOrder(context.Context, string, string) (map[string]any, error) {
	return s.raw, s.err
}

func newHandler(tokens track.TokenSource, orders track.OrderFetcher) *track.Handler {
	return &track.Handler{Tokens: tokens, Orders: orders, Logger: zerolog.Nop()}
}

func TestGetMissingRef(t *testing.T) {
	h := newHandler(staticTokens{token: "t"}, staticOrders{})

	req := httptest.NewRequest(http.MethodGet, "/track", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Missing ref"}`, rec.Body.String())
}

func TestGetAuthFailure(t *testing.T) {
	h := newHandler(staticTokens{err: quiqup.ErrAuthFailed}, staticOrders{})

	req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-1", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Server error"}`, rec.Body.String())
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHandler(staticTokens{token: "t"}, staticOrders{raw: nil})

	req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-1", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"Order not found"}`, rec.Body.String())
}

func TestGetFetchError(t *testing.T) {
	h := newHandler(staticTokens{token: "t"}, staticOrders{err: errors.New("connection reset")})

	req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-1", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Server error"}`, rec.Body.String())
}

func TestGetSuccess(t *testing.T) {
	raw := map[string]any{
		"order": map[string]any{"id": float64(42), "state": "delivered", "tracking_token": "abc"},
	}
	h := newHandler(staticTokens{token: "t"}, staticOrders{raw: raw})

	req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-42", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var got quiqup.NormalizedOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "42", got.Reference)
	require.Equal(t, "delivered", got.Status)
	require.Len(t, got.Fulfillments, 1)
	require.Equal(t, "Quiqup", *got.Fulfillments[0].Carrier)
	require.Equal(t, []string{"abc"}, got.Fulfillments[0].TrackingNumbers)
	require.Empty(t, got.Fulfillments[0].Events)
}

// End-to-end through the router: origin guard, token exchange, order read and
// normalization against stub upstream servers.
func TestTrackEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-e2e","expires_in":3600}`))
		case "/orders/QQ-7":
			require.Equal(t, "Bearer tok-e2e", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"id": "QQ-7",
				"state": "in_transit",
				"fulfilments": [{
					"trackingCompany": "Quiqup",
					"trackingInfo": [{"number": "TN-7", "url": "https://track.example/TN-7"}],
					"estimatedDeliveryAt": 1700000000,
					"events": []
				}]
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	tokens := &quiqup.TokenCache{Base: upstream.URL, ClientID: "id", ClientSecret: "secret"}
	orders := &quiqup.Client{ReadBase: upstream.URL, Logger: zerolog.Nop()}
	handler := &track.Handler{Tokens: tokens, Orders: orders, Logger: zerolog.Nop()}
	guard := origin.NewGuard("https://shop.example.com")

	r := chi.NewRouter()
	r.MethodNotAllowed(track.MethodNotAllowed)
	r.Route("/track", func(tr chi.Router) {
		tr.Use(guard.Middleware)
		tr.Get("/", handler.Get)
		tr.Options("/", func(http.ResponseWriter, *http.Request) {})
	})

	t.Run("allowed origin gets normalized order", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-7", nil)
		req.Header.Set("Origin", "https://shop.example.com")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

		var got quiqup.NormalizedOrder
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Equal(t, "QQ-7", got.Reference)
		require.Equal(t, "in_transit", got.Status)
		require.Len(t, got.Fulfillments, 1)
		require.Equal(t, "2023-11-14T22:13:20.000Z", *got.Fulfillments[0].ETA)
	})

	t.Run("unknown order maps to 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/track?ref=QQ-404", nil)
		req.Header.Set("Origin", "https://shop.example.com")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"error":"Order not found"}`, rec.Body.String())
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/track", nil)
		req.Header.Set("Origin", "https://shop.example.com")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, "GET,OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/track?ref=QQ-7", nil)
		req.Header.Set("Origin", "https://shop.example.com")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		require.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
	})
}
