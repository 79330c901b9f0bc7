package dms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// maxAttempts bounds retries for transient provider errors.
const maxAttempts = 3

// authenticator is implemented per variant; the transport calls it to attach
// credentials and to re-authenticate exactly once after a 401.
type authenticator interface {
	// ensure makes sure credentials are valid, refreshing when near expiry.
	ensure(ctx context.Context) error
	// apply attaches credentials to an outgoing request.
	apply(req *http.Request)
	// refresh forces re-authentication after a 401.
	refresh(ctx context.Context) error
}

// transport is the shared retrying HTTP layer for the remote providers:
// local sliding-window rate limiting, circuit breaking, bounded exponential
// backoff, Retry-After handling, and a single 401 re-authentication.
type transport struct {
	httpc   *http.Client
	baseURL string
	auth    authenticator
	limiter *resilience.WindowLimiter
	breaker *resilience.Breaker
	stats   *counters
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error // for testing
}

func newTransport(baseURL string, auth authenticator, limiter *resilience.WindowLimiter, breaker *resilience.Breaker, stats *counters, logger *slog.Logger) *transport {
	return &transport{
		httpc:   &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		auth:    auth,
		limiter: limiter,
		breaker: breaker,
		stats:   stats,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// getJSON issues a GET and decodes the JSON response into out.
func (t *transport) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	return t.do(ctx, http.MethodGet, endpoint, params, out)
}

// postJSON issues a POST with no body and decodes the response into out.
func (t *transport) postJSON(ctx context.Context, endpoint string, out any) error {
	return t.do(ctx, http.MethodPost, endpoint, nil, out)
}

func (t *transport) do(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	// Reject locally before spending remote quota.
	if !t.limiter.Allow() {
		t.stats.rateLimits.Add(1)
		return fmt.Errorf("%w: retry in %s", ErrRateLimit, t.limiter.RetryIn().Round(time.Second))
	}

	if t.breaker != nil {
		return t.breaker.Call(ctx, func(ctx context.Context) error {
			return t.attempt(ctx, method, endpoint, params, out)
		})
	}
	return t.attempt(ctx, method, endpoint, params, out)
}

func (t *transport) attempt(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	if err := t.auth.ensure(ctx); err != nil {
		t.stats.authFails.Add(1)
		return err
	}

	reauthed := false
	var lastErr error
	wait := time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		t.stats.total.Add(1)

		req, err := t.newRequest(ctx, method, endpoint, params)
		if err != nil {
			return err
		}
		t.auth.apply(req)

		resp, err := t.httpc.Do(req)
		if err != nil {
			lastErr = err
			t.stats.failed.Add(1)
			if attempt < maxAttempts-1 {
				if err := t.sleep(ctx, wait); err != nil {
					return err
				}
				wait *= 2
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			t.stats.authFails.Add(1)
			if reauthed {
				return fmt.Errorf("%w: 401 after re-authentication", ErrAuth)
			}
			reauthed = true
			if err := t.auth.refresh(ctx); err != nil {
				return err
			}
			attempt-- // the re-auth retry doesn't consume an attempt
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			t.stats.rateLimits.Add(1)
			if attempt == maxAttempts-1 {
				return fmt.Errorf("%w: remote 429", ErrRateLimit)
			}
			t.logger.Warn("dms remote rate limited", "retry_after", retryAfter)
			if err := t.sleep(ctx, retryAfter); err != nil {
				return err
			}
			continue

		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("dms: status %d: %s", resp.StatusCode, body)
			t.stats.failed.Add(1)
			if attempt < maxAttempts-1 {
				if err := t.sleep(ctx, wait); err != nil {
					return err
				}
				wait *= 2
			}
			continue

		case resp.StatusCode >= 400:
			// Other client errors never retry.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			t.stats.failed.Add(1)
			return fmt.Errorf("dms: status %d: %s", resp.StatusCode, body)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			t.stats.failed.Add(1)
			return fmt.Errorf("dms: decode: %w", err)
		}
		return nil
	}
	return fmt.Errorf("dms: request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (t *transport) newRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Request, error) {
	u := t.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Minute
}
