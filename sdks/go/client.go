package sark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to the sark gateway REST API. It is safe for concurrent
// use.
type Client struct {
	serverAddr string
	apiKey     string
	token      string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	// Allow decisions are cached client-side; denials never are, so a
	// policy change takes effect on the next call.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a gateway client. Configuration is read from SARK_*
// environment variables; options override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("SARK_SERVER_ADDR"),
		apiKey:       os.Getenv("SARK_API_KEY"),
		failMode:     envOrDefault("SARK_FAIL_MODE", "closed"),
		timeout:      durationEnv("SARK_TIMEOUT", 5*time.Second),
		cacheTTL:     durationEnv("SARK_CACHE_TTL", 5*time.Second),
		cacheMaxSize: intEnv("SARK_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Evaluate asks the gateway for a decision without invoking anything.
// A denial is returned as a *DeniedError (or *RateLimitedError for rate
// denials). When the gateway is unreachable and the fail mode is "open",
// Evaluate returns a synthetic allow.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*Decision, error) {
	key := c.cacheKey(req)
	if dec, ok := c.cachedDecision(key); ok {
		return dec, nil
	}

	var resp EvaluateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/policy/evaluate", req, &resp); err != nil {
		var unreachable *ServerUnreachableError
		if errors.As(err, &unreachable) && c.failMode == "open" {
			c.logger.Warn("gateway unreachable, failing open",
				"server_addr", c.serverAddr, "error", unreachable.Cause)
			return &Decision{Allow: true, Reason: "gateway unreachable, fail-open"}, nil
		}
		return nil, err
	}

	dec := resp.Decision
	if !dec.Allow {
		if dec.Source == SourceRate {
			return nil, &RateLimitedError{RetryAfter: dec.RetryAfter, Reason: dec.Reason}
		}
		return nil, &DeniedError{Source: dec.Source, Reason: dec.Reason, Decision: &dec}
	}
	if !req.DryRun {
		c.storeDecision(key, dec)
	}
	return &dec, nil
}

// Check evaluates a request and reduces the outcome to a boolean. A
// denial is not an error; transport and validation failures still are.
func (c *Client) Check(ctx context.Context, req EvaluateRequest) (bool, error) {
	_, err := c.Evaluate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDenied) || errors.Is(err, ErrRateLimited) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Invoke runs one tool call through the gateway. Denials surface as
// *DeniedError or *RateLimitedError; an allowed call returns the backend
// result with the decision and cost attached.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tools/invoke", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// denialBody is the wire shape of a 403/429 from the invoke endpoint.
type denialBody struct {
	Error    string    `json:"error"`
	Reason   string    `json:"reason"`
	Decision *Decision `json:"decision"`
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	case c.apiKey != "":
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ServerUnreachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		if result != nil {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil

	case httpResp.StatusCode == http.StatusTooManyRequests:
		var denial denialBody
		_ = json.Unmarshal(respBody, &denial)
		return &RateLimitedError{
			RetryAfter: retryAfter(httpResp),
			Reason:     denial.Reason,
		}

	case httpResp.StatusCode == http.StatusForbidden:
		var denial denialBody
		_ = json.Unmarshal(respBody, &denial)
		de := &DeniedError{Reason: denial.Reason, Decision: denial.Decision}
		if denial.Decision != nil {
			de.Source = denial.Decision.Source
		}
		return de

	default:
		var eb struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(respBody, &eb)
		if eb.Reason == "" {
			eb.Reason = strings.TrimSpace(string(respBody))
		}
		return &APIError{StatusCode: httpResp.StatusCode, Kind: eb.Error, Reason: eb.Reason}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// cacheKey derives a stable key from the action, tool, and arguments.
func (c *Client) cacheKey(req EvaluateRequest) string {
	h := fnv.New64a()
	io.WriteString(h, req.Action)
	io.WriteString(h, "\x00")
	io.WriteString(h, req.ToolID)
	io.WriteString(h, "\x00")
	io.WriteString(h, req.ResourceID)
	io.WriteString(h, "\x00")
	if req.Parameters != nil {
		params, _ := json.Marshal(req.Parameters)
		h.Write(params)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (c *Client) cachedDecision(key string) (*Decision, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	dec := entry.decision
	dec.CacheHit = true
	return &dec, true
}

func (c *Client) storeDecision(key string, dec Decision) {
	if c.cacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cacheCount >= int64(c.cacheMaxSize) {
		c.evictLocked()
	}
	c.cache.Store(key, &cacheEntry{
		decision:  dec,
		expiresAt: time.Now().Add(c.cacheTTL),
		createdAt: time.Now(),
	})
	c.cacheCount++
}

// evictLocked drops expired entries first, then the oldest live entry if
// the cache is still full. Caller holds cacheMu.
func (c *Client) evictLocked() {
	now := time.Now()
	var evicted int64
	c.cache.Range(func(k, v any) bool {
		if now.After(v.(*cacheEntry).expiresAt) {
			c.cache.Delete(k)
			evicted++
		}
		return true
	})
	c.cacheCount -= evicted

	if c.cacheCount < int64(c.cacheMaxSize) {
		return
	}
	var oldest time.Time
	var oldestKey any
	c.cache.Range(func(k, v any) bool {
		entry := v.(*cacheEntry)
		if oldest.IsZero() || entry.createdAt.Before(oldest) {
			oldest = entry.createdAt
			oldestKey = k
		}
		return true
	})
	if oldestKey != nil {
		c.cache.Delete(oldestKey)
		c.cacheCount--
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return fallback
}
