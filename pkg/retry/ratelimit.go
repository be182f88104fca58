package retry

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// epochThreshold separates absolute epoch-second reset values from relative
// second counts.
const epochThreshold = 1_000_000_000

// RateLimitState is the most recent rate-limit signal seen from a source.
// Limit and Remaining are -1 when the source has not reported them.
type RateLimitState struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Exhausted reports whether calls should be refused until ResetAt.
func (s RateLimitState) Exhausted(now time.Time) bool {
	return s.Remaining == 0 && s.ResetAt.After(now)
}

// ParseRateLimit extracts rate-limit state from response headers. It returns
// false when the response carries no rate-limit signal. A 429 always yields
// a state with Remaining forced to 0.
func ParseRateLimit(h http.Header, status int, now time.Time) (RateLimitState, bool) {
	state := RateLimitState{Limit: -1, Remaining: -1, UpdatedAt: now}
	found := false

	if v, ok := headerInt(h, "X-RateLimit-Limit", "RateLimit-Limit"); ok {
		state.Limit = v
		found = true
	}
	if v, ok := headerInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining"); ok {
		if v < 0 {
			v = 0
		}
		state.Remaining = v
		found = true
	}
	if v, ok := headerInt(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok {
		if v > epochThreshold {
			state.ResetAt = time.Unix(int64(v), 0)
		} else {
			state.ResetAt = now.Add(time.Duration(v) * time.Second)
		}
		found = true
	}
	if d, ok := parseRetryAfter(h.Get("Retry-After"), now); ok {
		state.RetryAfter = d
		found = true
	}

	if status == http.StatusTooManyRequests {
		state.Remaining = 0
		if state.ResetAt.IsZero() && state.RetryAfter > 0 {
			state.ResetAt = now.Add(state.RetryAfter)
		}
		found = true
	}

	// An upstream that reports a reset but no explicit wait is asking callers
	// to hold off until the window rolls over.
	if state.Remaining == 0 && state.RetryAfter == 0 && state.ResetAt.After(now) {
		state.RetryAfter = state.ResetAt.Sub(now)
	}

	return state, found
}

func headerInt(h http.Header, names ...string) (int, bool) {
	if h == nil {
		return 0, false
	}
	for _, name := range names {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		// Some providers send a policy suffix, e.g. "100;w=60".
		if i := strings.IndexAny(raw, ";,"); i >= 0 {
			raw = raw[:i]
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(raw); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
