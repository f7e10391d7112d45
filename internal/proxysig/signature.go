package proxysig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/noah-isme/quiqup-proxy/internal/common"
)

// ErrInvalidSignature is returned when the signature parameter is absent or
// does not match the expected HMAC.
var ErrInvalidSignature = errors.New("invalid app proxy signature")

// Verifier checks the authenticity of requests forwarded through a storefront
// platform's app proxy. The proxy signs the query string with a shared secret;
// a request without a valid signature did not come through the proxy.
type Verifier struct {
	Secret string
}

// Enabled reports whether verification is configured.
func (v Verifier) Enabled() bool {
	return strings.TrimSpace(v.Secret) != ""
}

// Verify checks the "signature" query parameter against an HMAC-SHA256 over
// the remaining parameters sorted by key and concatenated as key=value with
// no separators. Multi-valued parameters contribute their values joined with
// commas. The comparison is constant-time.
func (v Verifier) Verify(query url.Values) error {
	if !v.Enabled() {
		return ErrInvalidSignature
	}
	provided := strings.TrimSpace(query.Get("signature"))
	if provided == "" {
		return ErrInvalidSignature
	}

	keys := make([]string, 0, len(query))
	for key := range query {
		if key == "signature" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(strings.Join(query[key], ","))
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(sb.String()))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrInvalidSignature
	}
	return nil
}

// Middleware rejects unsigned or mis-signed requests with a 403. Preflights
// pass through untouched: browsers do not forward query signatures on OPTIONS.
func (v Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := v.Verify(r.URL.Query()); err != nil {
			common.JSONError(w, http.StatusForbidden, "Invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}
