// Package retry classifies provider errors as retryable and computes the
// backoff delay the turn engine waits before trying again.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Decision is the outcome of classifying an error.
type Decision struct {
	Retryable    bool
	Reason       string
	RetryAfterMs int // 0 if the error carried no explicit hint
}

// substringSignals are message fragments that, case-insensitively, indicate
// a transient provider-side failure even when no structured status is
// available (streamed errors often arrive as plain text).
var substringSignals = []string{
	"rate limit",
	"overloaded",
	"exhausted",
	"server_error",
	"terminated",
	"socket hang up",
}

// jsonErrorCodes are provider error "type"/"code" values treated as transient.
var jsonErrorCodes = []string{
	"too_many_requests",
	"rate_limit_error",
	"rate_limit_exceeded",
	"api_error",
	"server_error",
	"internal_server_error",
}

// Classify decides whether err (optionally paired with an HTTP status and
// response headers) should be retried, and for how long to wait first.
func Classify(err error, status int, header http.Header, body string) Decision {
	if errors.Is(err, context.Canceled) {
		return Decision{Retryable: false, Reason: "aborted"}
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		d := Decision{Retryable: true, Reason: "http_status"}
		d.RetryAfterMs = parseRetryAfter(header)
		return d
	}

	if isTransientNetError(err) {
		return Decision{Retryable: true, Reason: "transport_error"}
	}

	msg := strings.ToLower(errMessage(err) + " " + body)
	for _, sig := range substringSignals {
		if strings.Contains(msg, sig) {
			return Decision{Retryable: true, Reason: "message_signal"}
		}
	}
	for _, code := range jsonErrorCodes {
		if strings.Contains(msg, code) {
			return Decision{Retryable: true, Reason: "json_error_code"}
		}
	}

	return Decision{Retryable: false, Reason: "non_retryable"}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isTransientNetError reports whether err looks like a reset/timeout/refused/
// DNS transport failure.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"connection reset", "connection refused", "broken pipe", "eof", "no such host", "i/o timeout"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

var httpDateLayouts = []string{http.TimeFormat, time.RFC1123, time.RFC1123Z}

// parseRetryAfter extracts a positive millisecond delay from Retry-After
// style headers. retry-after-ms wins if present; otherwise retry-after is
// read as either a second count or an HTTP-date and converted to a delta.
func parseRetryAfter(header http.Header) int {
	if header == nil {
		return 0
	}
	if v := header.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ms > 0 {
			return ms
		}
	}
	v := header.Get("retry-after")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs > 0 {
			return secs * 1000
		}
		return 0
	}
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			delta := time.Until(t)
			if delta > 0 {
				return int(delta.Milliseconds())
			}
			return 0
		}
	}
	return 0
}

// retryAfterRegex recognizes "retry after N seconds"/"try again in Nms" style
// messages some providers embed in plain-text error bodies instead of headers.
var retryAfterRegex = regexp.MustCompile(`(?i)(?:retry.?after|try again in)\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds|s|seconds)?`)

// ParseRetryAfterMessage looks for an embedded retry hint in a free-text
// error message, returning milliseconds, or 0 if none was found.
func ParseRetryAfterMessage(msg string) int {
	m := retryAfterRegex.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil || val <= 0 {
		return 0
	}
	if strings.HasPrefix(strings.ToLower(m[2]), "ms") {
		return int(val)
	}
	return int(val * 1000)
}

const (
	baseDelayMs = 2000
	maxDelayMs  = 30000
)

// Backoff computes the wait before the given attempt (1-indexed). When the
// decision carries an explicit retry-after hint, that value wins (capped at
// maxDelayMs); otherwise it is 2000*2^(attempt-1) ms, capped at 30s.
func Backoff(d Decision, attempt int) time.Duration {
	if d.RetryAfterMs > 0 {
		ms := d.RetryAfterMs
		if ms > maxDelayMs {
			ms = maxDelayMs
		}
		return time.Duration(ms) * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	ms := baseDelayMs << uint(attempt-1)
	if ms > maxDelayMs || ms <= 0 {
		ms = maxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Sleep waits for d, returning early with ctx.Err() if ctx is cancelled
// first. A cancelled turn must reject a pending wait immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
