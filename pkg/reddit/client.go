// Package reddit provides a client for the public Reddit JSON API: post
// search, comment trees, and subreddit metadata. All operations are rate
// limited through a shared adaptive limiter and retried on transient
// failures.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/audiencelab/threadscout/internal/resilience"
)

const (
	defaultBaseURL   = "https://www.reddit.com"
	defaultUserAgent = "threadscout/1.0 (audience research)"

	// Requests per minute. The public endpoints throttle anonymous clients
	// hard; approved data-agreement (premium) access allows a higher rate.
	defaultStandardRPM = 30
	defaultPremiumRPM  = 90

	// The search endpoint caps page size at 100.
	maxPageSize = 100
)

// ErrSubredditNotFound means the probed name has no subreddit behind it.
// Transport layers map it to a 404.
var ErrSubredditNotFound = eris.New("reddit: subreddit not found")

// Client defines the Reddit operations used by the funnel.
type Client interface {
	// SearchPosts runs one search query, paging until opts.Limit posts are
	// collected or results run out.
	SearchPosts(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error)
	// GetComments fetches a post's refreshed body and its comment tree.
	GetComments(ctx context.Context, subreddit, postID string, opts CommentOptions) (*CommentsResponse, error)
	// GetSubredditAbout fetches subreddit metadata, erring on unknown names.
	GetSubredditAbout(ctx context.Context, name string) (*Subreddit, error)
}

// SearchOptions shapes one search operation.
type SearchOptions struct {
	Limit     int    // total posts wanted across pages
	Sort      string // relevance, top, new (default relevance)
	Timeframe string // hour, day, week, month, year, all (default year)
}

// CommentOptions bounds a comment-tree fetch at the source.
type CommentOptions struct {
	Limit int // max comments (default 100)
	Depth int // max reply depth (default 3)
	Sort  string
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL points the client at a different host (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header. Reddit rejects generic
// agents, so keep it descriptive.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithPremium switches to the premium request rate.
func WithPremium(premium bool) Option {
	return func(c *httpClient) {
		c.premium = premium
	}
}

// WithRequestsPerMinute overrides the standard/premium request rates.
func WithRequestsPerMinute(standard, premium float64) Option {
	return func(c *httpClient) {
		if standard > 0 {
			c.standardRPM = standard
		}
		if premium > 0 {
			c.premiumRPM = premium
		}
	}
}

// WithRetryPolicy overrides the retry policy (for testing).
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	baseURL     string
	userAgent   string
	premium     bool
	standardRPM float64
	premiumRPM  float64
	http        *http.Client
	limiter     *adaptiveLimiter
	retry       resilience.Policy
}

// NewClient creates a Reddit JSON API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:     defaultBaseURL,
		userAgent:   defaultUserAgent,
		standardRPM: defaultStandardRPM,
		premiumRPM:  defaultPremiumRPM,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.SourcePolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}

	rpm := c.standardRPM
	if c.premium {
		rpm = c.premiumRPM
	}
	c.limiter = newAdaptiveLimiter(rate.Limit(rpm/60.0), 5)
	return c
}

// adaptiveLimiter wraps a rate.Limiter and tunes it from observed responses:
// successes nudge the rate up toward 2x the initial value, a 429 halves it
// down to a quarter of the initial value.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(initial rate.Limit, burst int) *adaptiveLimiter {
	return &adaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		initial: initial,
		current: initial,
	}
}

func (a *adaptiveLimiter) wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 1.2
	if ceiling := a.initial * 2; next > ceiling {
		next = ceiling
	}
	a.current = next
	a.limiter.SetLimit(next)
}

func (a *adaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current / 2
	if floor := a.initial / 4; next < floor {
		next = floor
	}
	a.current = next
	a.limiter.SetLimit(next)
	zap.L().Warn("reddit rate limited, reducing request rate",
		zap.Float64("requests_per_second", float64(next)),
	)
}

// getJSON performs one rate-limited, retried GET and decodes the body into
// out.
func (c *httpClient) getJSON(ctx context.Context, op, rawURL string, out any) error {
	policy := c.retry
	policy.OnAttempt = resilience.AttemptLogger("reddit", op)

	return resilience.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.limiter.wait(ctx); err != nil {
			return eris.Wrap(err, "reddit: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return eris.Wrap(err, "reddit: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return eris.Wrapf(err, "reddit: %s", op)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return eris.Wrapf(err, "reddit: %s read body", op)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.onRateLimit()
			return eris.Wrapf(resilience.NewStatusError(resp.StatusCode, ""), "reddit: %s", op)
		}
		if resp.StatusCode != http.StatusOK {
			return eris.Wrapf(resilience.NewStatusError(resp.StatusCode, truncate(string(body), 200)), "reddit: %s", op)
		}

		c.limiter.onSuccess()

		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrapf(err, "reddit: %s decode", op)
		}
		return nil
	})
}

func (c *httpClient) SearchPosts(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	if opts.Limit <= 0 {
		opts.Limit = maxPageSize
	}
	if opts.Sort == "" {
		opts.Sort = "relevance"
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "year"
	}

	resp := &SearchResponse{}
	after := ""
	for len(resp.Posts) < opts.Limit {
		pageSize := opts.Limit - len(resp.Posts)
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("sort", opts.Sort)
		params.Set("t", opts.Timeframe)
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("type", "link")
		params.Set("raw_json", "1")
		if after != "" {
			params.Set("after", after)
		}

		var page listing
		u := fmt.Sprintf("%s/search.json?%s", c.baseURL, params.Encode())
		if err := c.getJSON(ctx, "search", u, &page); err != nil {
			return nil, err
		}
		resp.APICalls++

		posts, err := decodePosts(page)
		if err != nil {
			return nil, err
		}
		resp.Posts = append(resp.Posts, posts...)

		after = page.Data.After
		if after == "" || len(posts) == 0 {
			break
		}
	}

	if len(resp.Posts) > opts.Limit {
		resp.Posts = resp.Posts[:opts.Limit]
	}
	return resp, nil
}

func (c *httpClient) GetComments(ctx context.Context, subreddit, postID string, opts CommentOptions) (*CommentsResponse, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Depth <= 0 {
		opts.Depth = 3
	}
	if opts.Sort == "" {
		opts.Sort = "top"
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(opts.Limit))
	params.Set("depth", strconv.Itoa(opts.Depth))
	params.Set("sort", opts.Sort)
	params.Set("raw_json", "1")

	// The endpoint returns a two-element array: the post listing, then the
	// comment listing.
	var pair []listing
	u := fmt.Sprintf("%s/r/%s/comments/%s.json?%s", c.baseURL, url.PathEscape(subreddit), url.PathEscape(postID), params.Encode())
	if err := c.getJSON(ctx, "comments", u, &pair); err != nil {
		return nil, err
	}

	resp := &CommentsResponse{APICalls: 1}
	if len(pair) > 0 {
		posts, err := decodePosts(pair[0])
		if err != nil {
			return nil, err
		}
		if len(posts) > 0 {
			resp.Post = &posts[0]
		}
	}
	if len(pair) > 1 {
		comments, err := decodeComments(pair[1])
		if err != nil {
			return nil, err
		}
		resp.Comments = comments
	}
	return resp, nil
}

func (c *httpClient) GetSubredditAbout(ctx context.Context, name string) (*Subreddit, error) {
	var envelope thing
	u := fmt.Sprintf("%s/r/%s/about.json?raw_json=1", c.baseURL, url.PathEscape(name))
	if err := c.getJSON(ctx, "about", u, &envelope); err != nil {
		return nil, err
	}

	// Unknown subreddits come back as a search listing rather than a t5.
	if envelope.Kind != "t5" {
		return nil, eris.Wrapf(ErrSubredditNotFound, "name %q", name)
	}

	var sub Subreddit
	if err := json.Unmarshal(envelope.Data, &sub); err != nil {
		return nil, eris.Wrap(err, "reddit: decode subreddit")
	}
	return &sub, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
