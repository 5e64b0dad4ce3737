package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/medcode/ehrsync/internal/platform/fhir"
)

const (
	defaultMaxTries   = 4
	defaultRetryAfter = 1 * time.Second
	maxResponseBody   = 8 << 20
	fhirAcceptHeader  = "application/fhir+json"
)

// Client is a bearer-authenticated FHIR search client for one EHR base URL.
// It retries transient network failures with exponential backoff, honors
// Retry-After on 429, and walks paged result sets via the bundle's "next"
// link. It holds no per-tenant state beyond the base URL and is safe for
// concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxTries    uint
	maxInterval time.Duration
	log         zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMaxTries bounds attempts per request (first try included).
func WithMaxTries(n uint) ClientOption {
	return func(cl *Client) { cl.maxTries = n }
}

// WithMaxInterval caps the exponential backoff delay.
func WithMaxInterval(d time.Duration) ClientOption {
	return func(cl *Client) { cl.maxInterval = d }
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.log = log }
}

// NewClient creates a Client for the given FHIR base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxTries:    defaultMaxTries,
		maxInterval: 10 * time.Second,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get fetches one page of a FHIR search, e.g. Get(ctx, "Patient", params, tok).
func (c *Client) Get(ctx context.Context, path string, params url.Values, token string) (*fhir.Bundle, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.getURL(ctx, u, token)
}

// GetAllPages fetches every page of a search up to maxPages, following the
// bundle's "next" link, and returns the accumulated entries. Reaching
// maxPages is not an error but is logged.
func (c *Client) GetAllPages(ctx context.Context, path string, params url.Values, token string, maxPages int) ([]fhir.BundleEntry, error) {
	if maxPages < 1 {
		maxPages = 1
	}

	var entries []fhir.BundleEntry

	bundle, err := c.Get(ctx, path, params, token)
	if err != nil {
		return nil, err
	}
	entries = append(entries, bundle.Entry...)

	for page := 1; ; page++ {
		next := bundle.NextLink()
		if next == "" {
			break
		}
		if page >= maxPages {
			c.log.Warn().
				Str("path", path).
				Int("max_pages", maxPages).
				Int("entries", len(entries)).
				Msg("pagination stopped at max_pages with a next link remaining")
			break
		}

		bundle, err = c.getURL(ctx, next, token)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page+1, err)
		}
		entries = append(entries, bundle.Entry...)
	}

	return entries, nil
}

// getURL performs one GET with the retry policy and decodes the bundle.
func (c *Client) getURL(ctx context.Context, rawURL, token string) (*fhir.Bundle, error) {
	operation := func() (*fhir.Bundle, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", fhirAcceptHeader)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network/timeout errors are transient and retried with backoff.
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.log.Warn().Dur("retry_after", delay).Msg("rate limited by EHR, backing off")
			return nil, &backoff.RetryAfterError{Duration: delay}
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(&APIError{Status: resp.StatusCode, Body: string(body)})
		}

		var bundle fhir.Bundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode bundle: %w", err))
		}
		return &bundle, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = c.maxInterval

	bundle, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	return bundle, nil
}

// parseRetryAfter interprets a Retry-After header value in seconds. Missing
// or malformed values fall back to a 1-second default.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
