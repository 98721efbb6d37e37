package auctionfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const SourceID = "auctionfeed"

var (
	// ErrRateLimitExceeded means the feed kept answering 429 past the
	// retry ceiling; the page is lost for this invocation.
	ErrRateLimitExceeded = errors.New("feed rate limit exceeded")

	// ErrFeedTimeout means the request timed out after all attempts.
	ErrFeedTimeout = errors.New("feed request timed out")
)

// Config holds auction feed client configuration.
type Config struct {
	BaseURL            string
	APIKey             string
	PageSize           int
	Timeout            time.Duration
	MinRequestInterval time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
}

// Client issues paginated requests against the auction inventory API.
// It is stateless across pages except for the shared last-request time
// used to throttle concurrent callers.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	pageSize       int
	minInterval    time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// FeedPage is one fetched page of the feed.
type FeedPage struct {
	Records       []RawCar
	HasMore       bool
	LastPage      int
	TotalEstimate int
}

func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		pageSize:       cfg.PageSize,
		minInterval:    cfg.MinRequestInterval,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", SourceID),
	}
}

// FetchPage fetches one page. sinceMinutes limits the feed to records
// updated within the window; zero means no window (full sweep).
// Throttling (429) retries the same page with exponential backoff up
// to the configured ceiling.
func (c *Client) FetchPage(ctx context.Context, page, sinceMinutes int) (*FeedPage, error) {
	url := fmt.Sprintf("%s/cars?page=%d&per_page=%d", c.baseURL, page, c.pageSize)
	if sinceMinutes > 0 {
		url = fmt.Sprintf("%s&updated_minutes_ago=%d", url, sinceMinutes)
	}

	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doRequest(ctx, url)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("page fetch failed, retrying",
			"page", page,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if errors.Is(lastErr, errThrottled) {
		return nil, fmt.Errorf("page %d after %d attempts: %w", page, c.maxAttempts, ErrRateLimitExceeded)
	}
	if isTimeout(lastErr) {
		return nil, fmt.Errorf("page %d after %d attempts: %w", page, c.maxAttempts, ErrFeedTimeout)
	}
	return nil, fmt.Errorf("page %d after %d attempts: %w", page, c.maxAttempts, lastErr)
}

// errThrottled is internal; FetchPage converts it to ErrRateLimitExceeded
// once the retry ceiling is hit.
var errThrottled = errors.New("throttled by feed")

func (c *Client) doRequest(ctx context.Context, url string) (*FeedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", "CarSync/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errThrottled
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &FeedPage{
		Records:       apiResp.Data,
		HasMore:       apiResp.Meta.CurrentPage < apiResp.Meta.LastPage,
		LastPage:      apiResp.Meta.LastPage,
		TotalEstimate: apiResp.Meta.Total,
	}, nil
}

// Ping is a lightweight reachability probe. Advisory only; callers
// log a failure and proceed with the real request anyway.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feed not accessible: %w", err)
	}
	resp.Body.Close()
	return nil
}

// throttle enforces the minimum inter-request interval across all
// callers sharing the client.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	wait := c.minInterval - now.Sub(c.lastRequest)
	if wait < 0 {
		wait = 0
	}
	c.lastRequest = now.Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
