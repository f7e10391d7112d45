package quiqup

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultCarrier is reported when an upstream shape carries no explicit
// carrier field. The wrapped-order API version always delivers itself.
const DefaultCarrier = "Quiqup"

const unknownStatus = "Unknown"

// TrackingEvent is one entry in a fulfilment's delivery timeline.
type TrackingEvent struct {
	Time        any     `json:"time"`
	Description *string `json:"description"`
	Location    string  `json:"location"`
}

// Fulfillment is a single shipment unit within an order.
type Fulfillment struct {
	Carrier         *string         `json:"carrier"`
	TrackingNumbers []string        `json:"tracking_numbers"`
	TrackingURLs    []string        `json:"tracking_urls"`
	ETA             *string         `json:"eta"`
	Events          []TrackingEvent `json:"events"`
}

// NormalizedOrder is the stable storefront-facing contract. It is rebuilt
// fresh on every request regardless of which upstream API version answered.
type NormalizedOrder struct {
	Reference    string        `json:"reference"`
	Status       string        `json:"status"`
	Fulfillments []Fulfillment `json:"fulfillments"`
}

// Normalize maps a raw upstream payload onto the canonical contract. Three
// historical upstream shapes are recognized:
//
//  1. a flat order with a fulfilments/fulfillments array and per-fulfilment
//     trackingInfo and events,
//  2. a wrapped single order ({"order": {...}}, or the bare object when it
//     exposes tracking_token/tracking_url) with no event timeline,
//  3. a flat order whose fulfilment array is absent entirely.
//
// Field fallback chains are fixed contracts: upstream renamed fields across
// versions and the storefront depends on stable output either way.
func Normalize(raw map[string]any, fallbackRef string) NormalizedOrder {
	if raw == nil {
		return NormalizedOrder{Reference: fallbackRef, Status: unknownStatus, Fulfillments: []Fulfillment{}}
	}
	if inner, ok := raw["order"].(map[string]any); ok {
		return normalizeWrapped(inner, fallbackRef)
	}
	if hasAny(raw, "tracking_token", "tracking_url", "tracking_url_advance") {
		return normalizeWrapped(raw, fallbackRef)
	}
	return normalizeFlat(raw, fallbackRef)
}

func normalizeFlat(order map[string]any, fallbackRef string) NormalizedOrder {
	status := firstString(order, "state", "status", "displayStatus", "displayFulfilmentStatus")
	if status == "" {
		status = unknownStatus
	}

	reference := stringify(order["id"])
	if reference == "" {
		reference = firstString(order, "reference")
	}
	if reference == "" {
		reference = fallbackRef
	}

	items := sliceField(order, "fulfilments", "fulfillments")
	fulfillments := make([]Fulfillment, 0, len(items))
	for _, item := range items {
		f, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fulfillments = append(fulfillments, normalizeFulfillment(f))
	}

	return NormalizedOrder{Reference: reference, Status: status, Fulfillments: fulfillments}
}

func normalizeFulfillment(f map[string]any) Fulfillment {
	var carrier *string
	if name := firstString(f, "trackingCompany", "carrier"); name != "" {
		carrier = &name
	}

	numbers := make([]string, 0)
	urls := make([]string, 0)
	if infos, ok := f["trackingInfo"].([]any); ok {
		for _, entry := range infos {
			info, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if number := stringify(info["number"]); number != "" {
				numbers = append(numbers, number)
			}
			if u := stringify(info["url"]); u != "" {
				urls = append(urls, u)
			}
		}
	}

	events := make([]TrackingEvent, 0)
	if rawEvents, ok := f["events"].([]any); ok {
		for _, entry := range rawEvents {
			e, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			events = append(events, TrackingEvent{
				Time:        firstValue(e, "happenedAt", "time", "timestamp"),
				Description: firstStringPtr(e, "status", "description"),
				Location:    joinLocation(e, "city", "province", "country"),
			})
		}
	}

	return Fulfillment{
		Carrier:         carrier,
		TrackingNumbers: numbers,
		TrackingURLs:    urls,
		ETA:             NormalizeETA(firstValue(f, "estimatedDeliveryAt", "eta")),
		Events:          events,
	}
}

func normalizeWrapped(order map[string]any, fallbackRef string) NormalizedOrder {
	status := firstString(order, "state", "status")
	if status == "" {
		status = unknownStatus
	}

	reference := stringify(order["id"])
	if reference == "" {
		reference = fallbackRef
	}

	numbers := make([]string, 0, 1)
	if token := firstString(order, "tracking_token"); token != "" {
		numbers = append(numbers, token)
	}
	urls := make([]string, 0, 2)
	for _, key := range []string{"tracking_url", "tracking_url_advance"} {
		if u := firstString(order, key); u != "" {
			urls = append(urls, u)
		}
	}

	carrier := DefaultCarrier
	fulfillment := Fulfillment{
		Carrier:         &carrier,
		TrackingNumbers: numbers,
		TrackingURLs:    urls,
		ETA:             NormalizeETA(resolveETA(order)),
		Events:          []TrackingEvent{},
	}

	return NormalizedOrder{
		Reference:    reference,
		Status:       status,
		Fulfillments: []Fulfillment{fulfillment},
	}
}

// resolveETA walks the known ETA locations in fixed order and returns the
// first present, truthy candidate.
func resolveETA(order map[string]any) any {
	if v := truthy(order["deliver_before"]); v != nil {
		return v
	}
	if dt, ok := order["delivery_time"].(map[string]any); ok {
		for _, key := range []string{"deliver_before", "estimated_at", "eta"} {
			if v := truthy(dt[key]); v != nil {
				return v
			}
		}
	}
	if d, ok := order["delivery"].(map[string]any); ok {
		for _, key := range []string{"deliver_before", "eta"} {
			if v := truthy(d[key]); v != nil {
				return v
			}
		}
	}
	return truthy(order["eta"])
}

var (
	spacedDateTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
	missingZone    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?$`)
)

const etaFormat = "2006-01-02T15:04:05.000Z"

// NormalizeETA converts a raw ETA candidate into an ISO-8601 UTC string.
// Numeric values below 10^12 are Unix seconds, larger ones milliseconds.
// Strings in "YYYY-MM-DD HH:MM:SS" form get the space replaced by "T", and a
// missing trailing zone means UTC. Anything unparseable yields nil instead of
// failing the request.
func NormalizeETA(value any) *string {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return etaFromEpoch(v)
	case int:
		return etaFromEpoch(float64(v))
	case int64:
		return etaFromEpoch(float64(v))
	case string:
		return etaFromString(v)
	default:
		return nil
	}
}

func etaFromEpoch(n float64) *string {
	ms := int64(n)
	if n < 1e12 {
		ms = int64(n * 1000)
	}
	formatted := time.UnixMilli(ms).UTC().Format(etaFormat)
	return &formatted
}

func etaFromString(s string) *string {
	candidate := strings.TrimSpace(s)
	if candidate == "" {
		return nil
	}
	if spacedDateTime.MatchString(candidate) {
		candidate = strings.Replace(candidate, " ", "T", 1)
	}
	if missingZone.MatchString(candidate) {
		candidate += "Z"
	}
	parsed, err := time.Parse(time.RFC3339, candidate)
	if err != nil {
		return nil
	}
	formatted := parsed.UTC().Format(etaFormat)
	return &formatted
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

// firstString returns the first candidate field holding a non-empty string.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstStringPtr(m map[string]any, keys ...string) *string {
	if s := firstString(m, keys...); s != "" {
		return &s
	}
	return nil
}

// firstValue returns the first present, truthy candidate of any type.
func firstValue(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v := truthy(m[key]); v != nil {
			return v
		}
	}
	return nil
}

func truthy(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return t
	case float64:
		if t == 0 {
			return nil
		}
		return t
	case bool:
		if !t {
			return nil
		}
		return t
	default:
		return v
	}
}

func joinLocation(m map[string]any, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	return strings.Join(parts, ", ")
}

// stringify renders identifiers that arrive as either strings or JSON
// numbers. Other types are not identifiers.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func sliceField(m map[string]any, keys ...string) []any {
	for _, key := range keys {
		if s, ok := m[key].([]any); ok {
			return s
		}
	}
	return nil
}
