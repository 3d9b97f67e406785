// Package websearch is a thin client for a scholar-style web-search API used
// to surface publication titles that mention a trial identifier.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimited = errors.New("websearch: rate limited")
	ErrServer      = errors.New("websearch: server error")
)

// Result is a single scholar hit. Only the title survives downstream: PMIDs
// are resolved separately through PubMed citation matching.
type Result struct {
	Title string `json:"title"`
}

// Client posts search queries to an external search API with its own quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(1), 2),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scholar searches scholarly sources for the query and returns result titles.
// Transient failures retry up to 3 times with exponential backoff.
func (c *Client) Scholar(ctx context.Context, query string) ([]Result, error) {
	if c.baseURL == "" {
		return nil, errors.New("websearch: base URL not configured")
	}

	var lastErr error
	for attempt := 1; attempt <= 4; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		results, err := c.searchOnce(ctx, query)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrServer) {
			return nil, err
		}
		if attempt < 4 {
			t := time.NewTimer(time.Duration(1<<(attempt-1)) * time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil, lastErr
}

func (c *Client) searchOnce(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{"q": query, "engine": "google_scholar"})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, res.StatusCode)
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServer, res.StatusCode)
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("websearch: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("websearch decode: %w", err)
	}
	return parsed.Results, nil
}
