package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	d := Classify(nil, http.StatusTooManyRequests, nil, "")
	if !d.Retryable {
		t.Fatalf("expected 429 to be retryable")
	}
	d = Classify(nil, http.StatusInternalServerError, nil, "")
	if !d.Retryable {
		t.Fatalf("expected 500 to be retryable")
	}
	d = Classify(nil, http.StatusBadRequest, nil, "")
	if d.Retryable {
		t.Fatalf("expected 400 to be non-retryable")
	}
}

func TestClassifyContextCanceled(t *testing.T) {
	d := Classify(context.Canceled, 0, nil, "")
	if d.Retryable {
		t.Fatalf("expected an aborted call not to retry")
	}
}

func TestClassifyMessageSignal(t *testing.T) {
	d := Classify(errors.New("upstream overloaded, try again"), 0, nil, "")
	if !d.Retryable || d.Reason != "message_signal" {
		t.Fatalf("expected a message-signal match, got %+v", d)
	}
}

func TestClassifyJSONErrorCode(t *testing.T) {
	d := Classify(nil, 0, nil, `{"error":{"type":"rate_limit_error"}}`)
	if !d.Retryable || d.Reason != "json_error_code" {
		t.Fatalf("expected a json-error-code match, got %+v", d)
	}
}

func TestClassifyNonRetryable(t *testing.T) {
	d := Classify(errors.New("invalid api key"), 0, nil, "")
	if d.Retryable {
		t.Fatalf("expected a non-retryable classification, got %+v", d)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "5")
	d := Classify(nil, http.StatusTooManyRequests, h, "")
	if d.RetryAfterMs != 5000 {
		t.Fatalf("expected 5000ms from a 5-second retry-after header, got %d", d.RetryAfterMs)
	}
}

func TestParseRetryAfterMs(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after-ms", "1500")
	d := Classify(nil, http.StatusTooManyRequests, h, "")
	if d.RetryAfterMs != 1500 {
		t.Fatalf("expected retry-after-ms to win over retry-after, got %d", d.RetryAfterMs)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	d := Classify(nil, http.StatusTooManyRequests, h, "")
	if d.RetryAfterMs <= 0 || d.RetryAfterMs > 11000 {
		t.Fatalf("expected an HTTP-date retry-after around 10000ms, got %d", d.RetryAfterMs)
	}
}

func TestParseRetryAfterMessage(t *testing.T) {
	if ms := ParseRetryAfterMessage("please retry after 2 seconds"); ms != 2000 {
		t.Fatalf("expected 2000ms, got %d", ms)
	}
	if ms := ParseRetryAfterMessage("try again in 500ms"); ms != 500 {
		t.Fatalf("expected 500ms, got %d", ms)
	}
	if ms := ParseRetryAfterMessage("no hint here"); ms != 0 {
		t.Fatalf("expected 0 for a message with no hint, got %d", ms)
	}
}

func TestBackoffExponential(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second}, // capped
	}
	for _, c := range cases {
		got := Backoff(Decision{}, c.attempt)
		if got != c.want {
			t.Fatalf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestBackoffRetryAfterWins(t *testing.T) {
	got := Backoff(Decision{RetryAfterMs: 500}, 5)
	if got != 500*time.Millisecond {
		t.Fatalf("expected the explicit retry-after hint to win over exponential backoff, got %v", got)
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Second); err == nil {
		t.Fatalf("expected Sleep to return immediately on an already-cancelled context")
	}
}
