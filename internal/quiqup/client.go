package quiqup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/quiqup-proxy/internal/obs"
)

// HTTPClient builds the client used for upstream calls.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Client reads orders from the Quiqup API.
type Client struct {
	ReadBase   string
	OrdersPath string
	HTTP       *http.Client
	Logger     zerolog.Logger
}

// FetchOrder retrieves the raw order payload for a reference. A nil map with
// a nil error means the upstream answered with a non-success status, which
// the caller treats as not-found; transport and decode failures are errors.
func (c *Client) FetchOrder(ctx context.Context, ref, token string) (map[string]any, error) {
	readURL := c.ReadBase + c.ordersPath() + "/" + url.PathEscape(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		countOrderFetch("error")
		return nil, fmt.Errorf("order fetch: %w", err)
	}
	defer resp.Body.Close()
	observeFetchLatency(time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		countOrderFetch("error")
		return nil, fmt.Errorf("read order response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Str("url", readURL).
			Msg("quiqup read failed")
		countOrderFetch("not_found")
		return nil, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		countOrderFetch("error")
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	countOrderFetch("ok")
	return raw, nil
}

func (c *Client) ordersPath() string {
	if c.OrdersPath != "" {
		return c.OrdersPath
	}
	return "/orders"
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func countOrderFetch(result string) {
	if obs.OrderFetchTotal != nil {
		obs.OrderFetchTotal.WithLabelValues(result).Inc()
	}
}

func observeFetchLatency(d time.Duration) {
	if obs.OrderFetchLatency != nil {
		obs.OrderFetchLatency.Observe(obs.DurationMillis(d))
	}
}
