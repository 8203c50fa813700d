// Package httpclient is the outbound HTTP client shared by every adapter.
// It layers retry with exponential backoff and jitter, Retry-After
// handling, Idempotency-Key propagation and status classification on top
// of net/http. Its Do method has the standard client shape, so SDKs that
// accept a custom Do-er (slack-go's OptionHTTPClient) route through the
// same resilience path as hand-written provider calls.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
	"github.com/beaconops/beacon-core/packages/go-core/retry"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey marks a context so that POST requests issued under
// it carry the Idempotency-Key header. The action executor sets it before
// handing control to the adapter.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return key, ok && key != ""
}

// Client wraps net/http with the shared retry schedule.
type Client struct {
	base       *http.Client
	policy     retry.Policy
	maxRetries int
}

// New builds a client with the given per-call timeout and retry budget.
// Zero values fall back to 30s and 3 retries.
func New(timeout time.Duration, maxRetries int) *Client {
	return NewWithPolicy(timeout, maxRetries, retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
	})
}

// NewWithPolicy builds a client with an explicit backoff schedule. Tests
// use it to shrink delays.
func NewWithPolicy(timeout time.Duration, maxRetries int, policy retry.Policy) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Client{
		base:       &http.Client{Timeout: timeout},
		policy:     policy,
		maxRetries: maxRetries,
	}
}

// Do executes the request, retrying server errors, rate limits and
// network failures up to the retry budget. Terminal client errors (4xx
// except 408/429) return immediately. The final response is returned
// whatever its status; callers classify it themselves or via Classify.
//
// Requests whose body cannot be rewound (GetBody unset) are never
// retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		if key, ok := idempotencyKeyFrom(req.Context()); ok && req.Header.Get("Idempotency-Key") == "" {
			req.Header.Set("Idempotency-Key", key)
		}
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.rewind(req); err != nil {
				break
			}
			if err := c.wait(req.Context(), resp, attempt-1); err != nil {
				return nil, err
			}
		}

		resp, lastErr = c.base.Do(req)
		if lastErr != nil {
			// Network class: timeout, refused connection, reset. Retryable.
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		// Retryable status with no budget left: hand the response back
		// as-is rather than swallowing it.
		if attempt == c.maxRetries {
			return resp, nil
		}
		drain(resp)
	}

	if lastErr != nil {
		return nil, apperr.Wrap(apperr.CodeUpstreamError, "request failed after retries", lastErr)
	}
	return resp, nil
}

// rewind restores the request body for a retry attempt.
func (c *Client) rewind(req *http.Request) error {
	if req.Body == nil {
		return nil
	}
	if req.GetBody == nil {
		return fmt.Errorf("request body is not rewindable")
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

// wait sleeps for the backoff delay, letting an upstream Retry-After on
// 429 or 503 override the computed schedule.
func (c *Client) wait(ctx context.Context, prev *http.Response, attempt int) error {
	delay := c.policy.Delay(attempt)
	if prev != nil && (prev.StatusCode == http.StatusTooManyRequests || prev.StatusCode == http.StatusServiceUnavailable) {
		if ra := retryAfter(prev); ra > 0 {
			delay = ra
		}
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// retryAfter parses the Retry-After header as delta-seconds or an
// HTTP-date. Zero means absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// Classify maps a response status onto the error taxonomy. 2xx is nil.
// 401/403 is AUTH, 408/429 is RATE_LIMIT carrying the Retry-After hint,
// 5xx is UPSTREAM_ERROR, and remaining 4xx surface as MALFORMED_PAYLOAD
// because resending the identical request cannot succeed.
func Classify(resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Newf(apperr.CodeAuth, "provider rejected credentials: status %d", status)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		err := apperr.Newf(apperr.CodeRateLimit, "provider rate limited: status %d", status)
		if ra := retryAfter(resp); ra > 0 {
			err = err.WithRetryAfter(ra)
		}
		return err
	case status >= 500:
		return apperr.Newf(apperr.CodeUpstreamError, "provider error: status %d", status)
	default:
		return apperr.Newf(apperr.CodeMalformedPayload, "provider rejected request: status %d", status)
	}
}
