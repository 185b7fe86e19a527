// Package tperapi is a client for the TPER real-time arrivals web API.
//
// Every request is spaced by a shared rate limiter, carries the locale and a
// cache-busting timestamp, and is bounded by a fixed timeout. Unsuccessful
// responses are classified into a closed set of error kinds (see Kind).
package tperapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jusunglee/tper-go/internal/models"
	"github.com/jusunglee/tper-go/internal/ratelimit"
)

const (
	DefaultBaseURL       = "https://webus.bo.it/app"
	DefaultTimeout       = 10 * time.Second
	DefaultMaxConcurrent = 3

	MaxQueryLength = 200

	stopSearchPath = "/getSelect.php"
	stopLinesPath  = "/getLinee.php"
	realTimePath   = "/getRealTime.php"

	locale = "it"
)

// ErrInvalidQuery is returned for empty or oversized search queries
var ErrInvalidQuery = errors.New("tperapi: invalid search query")

// Config holds client settings
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
}

// DefaultConfig returns the settings used against the public API
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Timeout:   DefaultTimeout,
		RateLimit: ratelimit.DefaultCallsPerSecond,
	}
}

// LineResult is the outcome of one line in a multi-line fetch
type LineResult struct {
	Result models.RealTimeResult
	Err    error
}

// Client talks to the upstream API. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	limiter    *ratelimit.Limiter
	log        *logrus.Entry
	now        func() time.Time
}

// NewClient creates a client using the injected HTTP client
func NewClient(httpClient *http.Client, cfg Config, log *logrus.Entry) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		limiter:    ratelimit.New(cfg.RateLimit),
		log:        log.WithField("component", "tperapi"),
		now:        time.Now,
	}, nil
}

// SearchStops finds stops matching a free text query.
// A search without matches returns an empty slice.
func (c *Client) SearchStops(ctx context.Context, query string) ([]models.StopCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(query) > MaxQueryLength {
		return nil, ErrInvalidQuery
	}

	env, err := c.request(ctx, stopSearchPath, url.Values{"t": {"fermate"}, "q": {query}})
	if err != nil {
		if KindOf(err) == KindNoResults {
			return []models.StopCandidate{}, nil
		}
		return nil, err
	}

	raw, err := decodeResults[stopCandidate](env.Results)
	if err != nil {
		return nil, apiError("unexpected search payload", err)
	}
	stops := make([]models.StopCandidate, len(raw))
	for i, s := range raw {
		stops[i] = models.StopCandidate{ID: string(s.ID), Head: s.Head, Body: s.Body}
	}
	return stops, nil
}

// GetStopLines lists the lines serving a stop
func (c *Client) GetStopLines(ctx context.Context, stopID int) ([]models.LineInfo, error) {
	env, err := c.request(ctx, stopLinesPath, url.Values{"c": {strconv.Itoa(stopID)}})
	if err != nil {
		return nil, err
	}

	raw, err := decodeResults[stopLine](env.Results)
	if err != nil {
		return nil, apiError("unexpected lines payload", err)
	}
	lines := make([]models.LineInfo, len(raw))
	for i, l := range raw {
		lines[i] = models.LineInfo{ID: string(l.ID), Code: string(l.Code)}
	}
	return lines, nil
}

// GetRealTime fetches the upcoming arrivals of one line at a stop
func (c *Client) GetRealTime(ctx context.Context, stopID int, lineID string) (models.RealTimeResult, error) {
	if _, err := strconv.Atoi(lineID); err != nil {
		return models.RealTimeResult{}, apiError("invalid line id %q", err, lineID)
	}

	env, err := c.request(ctx, realTimePath, url.Values{
		"t":   {"bus"},
		"id":  {strconv.Itoa(stopID)},
		"idL": {lineID},
		"o":   {"null"},
	})
	if err != nil {
		return models.RealTimeResult{}, err
	}
	return env.realTime()
}

// GetRealTimeMany fetches several lines with at most maxConcurrent requests in
// flight. Each line's outcome is independent: a failing line is reported in
// its LineResult and never aborts the others. The returned error is non-nil
// only when the fetch could not start at all.
func (c *Client) GetRealTimeMany(ctx context.Context, stopID int, lineIDs []string, maxConcurrent int) (map[string]LineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBulkAborted, err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	results := make([]LineResult, len(lineIDs))
	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, lineID := range lineIDs {
		i, lineID := i, lineID
		g.Go(func() error {
			result, err := c.GetRealTime(ctx, stopID, lineID)
			results[i] = LineResult{Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]LineResult, len(lineIDs))
	for i, lineID := range lineIDs {
		out[lineID] = results[i]
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, path string, params url.Values) (*envelope, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, apiError("rate limiter wait", err)
	}

	params.Set("l", locale)
	params.Set("nocache", strconv.FormatInt(c.now().UnixMilli(), 10))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apiError("building request", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apiError("request timeout after %s", err, c.timeout)
		}
		return nil, apiError("HTTP error", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.WithFields(logrus.Fields{
		"path":    path,
		"status":  resp.StatusCode,
		"latency": time.Since(start).String(),
	}).Debug("upstream request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError("HTTP %d from %s", nil, resp.StatusCode, path)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apiError("decoding response", err)
	}
	if err := env.classify(); err != nil {
		return nil, err
	}
	return &env, nil
}
