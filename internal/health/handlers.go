package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingTokenStore(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	StoreTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes. The shared token store
// is optional: a deployment without one is ready as long as the process is.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if h.Checker != nil {
		if err := h.Checker.PingTokenStore(r.Context(), h.storeTimeout()); err != nil {
			storeStatus = err.Error()
		}
	} else {
		storeStatus = "disabled"
	}

	status := map[string]string{"token_store": storeStatus}
	w.Header().Set("Content-Type", "application/json")
	if storeStatus != "ok" && storeStatus != "disabled" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) storeTimeout() time.Duration {
	if h.StoreTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.StoreTimeout
}
