// Package marketdata fetches reports from the Alpha Vantage API and
// serializes them into natural-language passages ready for indexing.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Alpha Vantage query endpoint.
const DefaultBaseURL = "https://www.alphavantage.co/query"

// maxFetchAttempts bounds the throttle retry loop.
const maxFetchAttempts = 5

var (
	// ErrMissingAPIKey is returned by NewClient when no credential is supplied.
	ErrMissingAPIKey = errors.New("missing alpha vantage api key: set ALPHA_VANTAGE_KEY")

	// ErrRetriesExceeded is returned when every fetch attempt was throttled.
	ErrRetriesExceeded = errors.New("alpha vantage rate limit: retries exceeded")
)

// Client is a thin Alpha Vantage client with conservative backoff for the
// free tier. Responses are decoded into generic maps because the upstream
// schema is not fixed-key; see passages.go for the fallback lookups.
type Client struct {
	apiKey     string
	baseURL    string
	retrySleep time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the query endpoint. Used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetrySleep sets the pause between attempts after a throttle signal.
func WithRetrySleep(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.retrySleep = d
		}
	}
}

// WithPacing spaces outgoing requests at least interval apart, keeping the
// client inside the upstream request budget instead of only reacting to
// throttle responses. A non-positive interval disables pacing.
func WithPacing(interval time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		retrySleep: 13 * time.Second,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DailyAdjusted fetches the adjusted daily time series for a stock symbol.
func (c *Client) DailyAdjusted(ctx context.Context, symbol, outputSize string) (map[string]any, error) {
	return c.get(ctx, url.Values{
		"function":   {"TIME_SERIES_DAILY_ADJUSTED"},
		"symbol":     {symbol},
		"outputsize": {outputSize},
	})
}

// Overview fetches the company overview report for a stock symbol.
func (c *Client) Overview(ctx context.Context, symbol string) (map[string]any, error) {
	return c.get(ctx, url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
	})
}

// Earnings fetches the earnings report for a stock symbol.
func (c *Client) Earnings(ctx context.Context, symbol string) (map[string]any, error) {
	return c.get(ctx, url.Values{
		"function": {"EARNINGS"},
		"symbol":   {symbol},
	})
}

// CryptoDaily fetches the daily digital currency series for a symbol quoted
// in the given market currency.
func (c *Client) CryptoDaily(ctx context.Context, symbol, market string) (map[string]any, error) {
	return c.get(ctx, url.Values{
		"function": {"DIGITAL_CURRENCY_DAILY"},
		"symbol":   {symbol},
		"market":   {market},
	})
}

// News fetches the news/sentiment feed for a comma-separated ticker list.
func (c *Client) News(ctx context.Context, tickersCSV string, limit int) (map[string]any, error) {
	return c.get(ctx, url.Values{
		"function": {"NEWS_SENTIMENT"},
		"tickers":  {tickersCSV},
		"limit":    {strconv.Itoa(limit)},
	})
}

// get performs one API call with up to maxFetchAttempts tries. A "Note"
// field in the response body signals throttling and triggers a sleep and
// retry; an "Error Message" field aborts with the upstream message.
func (c *Client) get(ctx context.Context, params url.Values) (map[string]any, error) {
	params.Set("apikey", c.apiKey)

	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("wait for request slot: %w", err)
			}
		}

		payload, throttled, err := c.fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		if throttled {
			if err := sleepContext(ctx, c.retrySleep); err != nil {
				return nil, err
			}
			continue
		}
		return payload, nil
	}

	return nil, ErrRetriesExceeded
}

func (c *Client) fetch(ctx context.Context, params url.Values) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create alpha vantage request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("call alpha vantage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("alpha vantage returned status %s", resp.Status)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("decode alpha vantage response: %w", err)
	}

	for key := range payload {
		if strings.EqualFold(key, "note") {
			return nil, true, nil
		}
	}
	if msg, ok := payload["Error Message"].(string); ok {
		return nil, false, fmt.Errorf("alpha vantage error: %s", msg)
	}

	return payload, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
