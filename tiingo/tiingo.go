// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tiingo implements the authenticated HTTP client for the Tiingo
// REST API, with rate-limit backoff, bounded retries and an explicit error
// taxonomy separating transient, fatal and authentication failures.
package tiingo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/tiingo/schema"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://api.tiingo.com"

// ErrorKind classifies fetch failures for the sync orchestrator.
type ErrorKind uint8

const (
	// Transient failures (HTTP 429, 5xx, network errors) are retried with
	// backoff; the kind surfaces only when the attempts are exhausted.
	Transient ErrorKind = iota
	// Fatal failures (4xx other than 429 and auth, malformed body) abort the
	// current stream without retry.
	Fatal
	// Auth failures (HTTP 401, 403) abort the entire run without retry.
	Auth
)

// String converts the enum value to a string.
func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Auth:
		return "auth"
	}
	return "unknown"
}

// FetchError is the error type returned by all Client calls. Status is the
// last HTTP status code, or 0 for network and decoding failures.
type FetchError struct {
	Kind   ErrorKind
	Status int
	msg    string
}

var _ error = &FetchError{}

func (e *FetchError) Error() string { return e.msg }

func fetchErr(kind ErrorKind, status int, format string, args ...interface{}) *FetchError {
	return &FetchError{
		Kind:   kind,
		Status: status,
		msg:    fmt.Sprintf(format, args...),
	}
}

// KindOf extracts the fetch error kind from err's chain. The second value is
// false when err is not a FetchError (e.g. a canceled context).
func KindOf(err error) (ErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsAuthError checks whether err is an authentication failure, which is fatal
// to the whole run.
func IsAuthError(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Auth
}

// Client for querying the Tiingo REST API. The zero MaxAttempts, BaseDelay
// and MaxDelay fields are replaced by defaults on the first call, so a plain
// &Client{APIKey: ...} is usable; NewClient sets them eagerly.
//
// The client is safe for concurrent use. Its only mutable state is the
// rate-limit penalty, which grows on each throttled response and decays after
// a success.
type Client struct {
	BaseURL     string
	APIKey      string
	UserAgent   string        // optional custom User-Agent header
	HTTP        *http.Client  // overridable in tests
	MaxAttempts int           // bounded retry count per call
	BaseDelay   time.Duration // initial backoff delay, doubled per attempt
	MaxDelay    time.Duration // backoff cap

	mu      sync.Mutex
	penalty int // consecutive throttled calls, decays on success
}

// NewClient creates a new client with the default retry policy.
func NewClient(apiKey string) *Client {
	return &Client{
		BaseURL:     URL,
		APIKey:      apiKey,
		HTTP:        http.DefaultClient,
		MaxAttempts: 8,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Minute,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient injects the client into the context.
func UseClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, c)
}

func (c *Client) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = URL
	}
	if c.HTTP == nil {
		c.HTTP = http.DefaultClient
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
}

// delay computes the backoff before the given 1-based attempt, folding in the
// shared rate-limit penalty.
func (c *Client) delay(attempt int) time.Duration {
	c.mu.Lock()
	shift := attempt - 1 + c.penalty
	c.mu.Unlock()
	if shift > 16 { // keep the bit shift sane; the cap applies anyway
		shift = 16
	}
	d := c.BaseDelay << uint(shift)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func (c *Client) throttled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.penalty++
}

func (c *Client) succeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.penalty /= 2
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fetchJSON issues an authenticated GET request for path with the query
// values, retrying transient failures, and decodes the body into res.
//
// The API key travels only in the Authorization header, so URLs are safe to
// log verbatim.
func (c *Client) fetchJSON(ctx context.Context, path string, query url.Values, res interface{}) error {
	c.defaults()
	uri := c.BaseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.delay(attempt-1)); err != nil {
				return errors.Annotate(err, "canceled while backing off")
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return fetchErr(Fatal, 0, "failed to create request for %s: %s", uri, err.Error())
		}
		req.Header.Set("Authorization", "Token "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Annotate(ctx.Err(), "canceled during fetch of %s", uri)
			}
			lastErr = fetchErr(Transient, 0, "request for %s failed: %s", uri, err.Error())
			logging.Warningf(ctx, "attempt %d/%d: %s", attempt, c.MaxAttempts, lastErr.Error())
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden:
			return fetchErr(Auth, resp.StatusCode,
				"authentication failed for %s: HTTP %d", uri, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			c.throttled()
			lastErr = fetchErr(Transient, resp.StatusCode, "rate limited on %s", uri)
			logging.Warningf(ctx, "attempt %d/%d: %s", attempt, c.MaxAttempts, lastErr.Error())
			continue
		case resp.StatusCode >= 500:
			lastErr = fetchErr(Transient, resp.StatusCode,
				"server error on %s: HTTP %d", uri, resp.StatusCode)
			logging.Warningf(ctx, "attempt %d/%d: %s", attempt, c.MaxAttempts, lastErr.Error())
			continue
		case resp.StatusCode != http.StatusOK:
			return fetchErr(Fatal, resp.StatusCode,
				"request for %s failed: HTTP %d", uri, resp.StatusCode)
		}
		if readErr != nil {
			lastErr = fetchErr(Transient, resp.StatusCode,
				"failed to read response of %s: %s", uri, readErr.Error())
			logging.Warningf(ctx, "attempt %d/%d: %s", attempt, c.MaxAttempts, lastErr.Error())
			continue
		}
		if err := json.Unmarshal(body, res); err != nil {
			return fetchErr(Fatal, resp.StatusCode,
				"malformed JSON response of %s: %s", uri, err.Error())
		}
		c.succeeded()
		return nil
	}
	return errors.Annotate(lastErr, "exhausted %d attempts for %s", c.MaxAttempts, uri)
}

// TickerMeta fetches the metadata object of a single ticker:
// GET /tiingo/daily/{symbol}.
func (c *Client) TickerMeta(ctx context.Context, symbol string) (map[string]interface{}, error) {
	var meta map[string]interface{}
	path := "/tiingo/daily/" + url.PathEscape(symbol)
	if err := c.fetchJSON(ctx, path, nil, &meta); err != nil {
		return nil, errors.Annotate(err, "failed to fetch metadata for %s", symbol)
	}
	return meta, nil
}

// DailyPrices fetches the ordered list of daily price objects of a ticker:
// GET /tiingo/daily/{symbol}/prices?startDate=&endDate=. Zero dates omit the
// corresponding bound.
func (c *Client) DailyPrices(ctx context.Context, symbol string, start, end schema.Date) ([]map[string]interface{}, error) {
	query := make(url.Values)
	if !start.IsZero() {
		query["startDate"] = []string{start.String()}
	}
	if !end.IsZero() {
		query["endDate"] = []string{end.String()}
	}
	var prices []map[string]interface{}
	path := "/tiingo/daily/" + url.PathEscape(symbol) + "/prices"
	if err := c.fetchJSON(ctx, path, query, &prices); err != nil {
		return nil, errors.Annotate(err, "failed to fetch prices for %s", symbol)
	}
	return prices, nil
}
