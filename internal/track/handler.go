package track

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/quiqup-proxy/internal/common"
	"github.com/noah-isme/quiqup-proxy/internal/quiqup"
)

// TokenSource supplies a bearer token for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// OrderFetcher retrieves a raw order payload; a nil payload means not found.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, ref, token string) (map[string]any, error)
}

// Handler serves the storefront tracking endpoint. Per request it runs a
// strictly sequential chain: token, fetch, normalize. The first failure
// terminates the chain and maps to a single status code; no partial
// responses.
type Handler struct {
	Tokens TokenSource
	Orders OrderFetcher
	Logger zerolog.Logger
}

// Get handles GET /track?ref=<reference>.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "Missing ref")
		return
	}

	ctx := r.Context()

	token, err := h.Tokens.Token(ctx)
	if err != nil {
		h.Logger.Error().Err(err).Msg("token acquisition failed")
		common.JSONError(w, http.StatusInternalServerError, "Server error")
		return
	}

	raw, err := h.Orders.FetchOrder(ctx, ref, token)
	if err != nil {
		h.Logger.Error().Err(err).Str("ref", ref).Msg("order fetch failed")
		common.JSONError(w, http.StatusInternalServerError, "Server error")
		return
	}
	if raw == nil {
		common.JSONError(w, http.StatusNotFound, "Order not found")
		return
	}

	common.JSON(w, http.StatusOK, quiqup.Normalize(raw, ref))
}

// MethodNotAllowed renders the 405 body for unsupported methods on /track.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	common.JSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
