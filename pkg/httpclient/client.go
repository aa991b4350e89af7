// Package httpclient is the single request engine every vendor adapter goes
// through. It owns per-attempt timeouts, bounded retries with backoff,
// response parsing and masked request logging.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/raterudder/solarsync/pkg/common"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/metrics"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 2

	maxBackoff   = 10 * time.Second
	maxJitter    = 500 * time.Millisecond
	maxBodyBytes = 10 << 20
	logBodyLimit = 512
)

// Backoff returns the delay before retry number attempt (1-based):
// min(1s * 2^(attempt-1), 10s) plus jitter.
func Backoff(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := maxBackoff
	if attempt <= 5 {
		d = min(time.Second<<(attempt-1), maxBackoff)
	}
	return d + jitter
}

// Signer mutates an outgoing request right before it is sent. It runs once per
// attempt so time-based signatures stay fresh across retries. A *perr.Error
// returned by the signer ends the request with that error.
type Signer func(req *http.Request, body []byte) error

// Options describe a single logical request.
type Options struct {
	// Body is marshalled as JSON unless ContentType says otherwise, in which
	// case it must be a string or []byte.
	Body any
	// Form is sent url-encoded and takes precedence over Body.
	Form        url.Values
	Query       url.Values
	Headers     map[string]string
	AbsoluteURL string
	ContentType string
	Timeout     time.Duration
	NoRetry     bool
	Sign        Signer
}

// Response is a successful (2xx) vendor response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Cookies    []*http.Cookie
}

// Client talks to one vendor.
type Client struct {
	provider   string
	http       *http.Client
	maxRetries int
	timeout    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() time.Duration

	mu      sync.RWMutex
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client. The user-agent transport is
// installed on top of it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = common.WrapClient(hc) }
}

// WithMaxRetries sets how many extra attempts a retryable failure gets.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func() time.Duration) Option {
	return func(c *Client) { c.jitter = fn }
}

// New returns a Client for provider rooted at baseURL.
func New(provider, baseURL string, opts ...Option) *Client {
	c := &Client{
		provider:   provider,
		baseURL:    baseURL,
		http:       common.HTTPClient(0),
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultTimeout,
		sleep:      sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int64N(int64(maxJitter) + 1))
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Provider returns the vendor name used in errors and logs.
func (c *Client) Provider() string {
	return c.provider
}

// BaseURL returns the current base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL points the client at a different regional host.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = u
}

// Request performs the request and decodes the JSON response into dest. dest
// may be nil to only validate the body.
func (c *Client) Request(ctx context.Context, method, path string, opts Options, dest any) error {
	resp, err := c.Do(ctx, method, path, opts)
	if err != nil {
		return err
	}
	return Decode(c.provider, resp.Body, dest)
}

// Do performs the request with retries and returns the raw 2xx response.
// Every failure is a *perr.Error.
func (c *Client) Do(ctx context.Context, method, path string, opts Options) (*Response, error) {
	target, err := c.resolve(path, opts)
	if err != nil {
		return nil, perr.Newf(perr.CategoryUnknown, c.provider, "invalid request url: %v", err)
	}
	body, contentType, err := encodeBody(opts)
	if err != nil {
		return nil, perr.Newf(perr.CategoryUnknown, c.provider, "failed to encode request body: %v", err)
	}

	attempts := c.maxRetries + 1
	if opts.NoRetry {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		resp, perrv := c.attempt(ctx, method, target, body, contentType, opts)
		if perrv == nil {
			metrics.VendorRequest(c.provider, "ok")
			return resp, nil
		}
		metrics.VendorRequest(c.provider, string(perrv.Category))
		if !perrv.Retryable || attempt >= attempts || ctx.Err() != nil {
			return nil, perrv
		}
		delay := Backoff(attempt, c.jitter())
		log.Ctx(ctx).WarnContext(
			ctx,
			"vendor request failed, retrying",
			slog.String("provider", c.provider),
			slog.String("category", string(perrv.Category)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", perrv.Message),
		)
		metrics.VendorRetry(c.provider)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, perrv
		}
	}
}

func (c *Client) resolve(path string, opts Options) (*url.URL, error) {
	var u *url.URL
	var err error
	if opts.AbsoluteURL != "" {
		u, err = url.Parse(opts.AbsoluteURL)
	} else {
		u, err = url.Parse(c.BaseURL())
		if err == nil && path != "" {
			u = u.JoinPath(path)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func encodeBody(opts Options) ([]byte, string, error) {
	if opts.Form != nil {
		return []byte(opts.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if opts.Body == nil {
		return nil, opts.ContentType, nil
	}
	if opts.ContentType == "" || strings.HasPrefix(opts.ContentType, "application/json") {
		ct := opts.ContentType
		if ct == "" {
			ct = "application/json"
		}
		switch b := opts.Body.(type) {
		case []byte:
			return b, ct, nil
		case json.RawMessage:
			return b, ct, nil
		}
		b, err := json.Marshal(opts.Body)
		return b, ct, err
	}
	switch b := opts.Body.(type) {
	case []byte:
		return b, opts.ContentType, nil
	case string:
		return []byte(b), opts.ContentType, nil
	}
	return nil, "", fmt.Errorf("body of type %T needs a JSON content type", opts.Body)
}

func (c *Client) attempt(ctx context.Context, method string, target *url.URL, body []byte, contentType string, opts Options) (*Response, *perr.Error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, target.String(), rdr)
	if err != nil {
		return nil, perr.Newf(perr.CategoryUnknown, c.provider, "failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Sign != nil {
		if err := opts.Sign(req, body); err != nil {
			var pe *perr.Error
			if errors.As(err, &pe) {
				return nil, pe
			}
			return nil, perr.Newf(perr.CategoryUnknown, c.provider, "failed to sign request: %v", err)
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"vendor request",
		slog.String("provider", c.provider),
		slog.String("method", method),
		slog.String("url", redact.Logging.MaskURL(target)),
		slog.Any("headers", redact.Logging.MaskHeader(req.Header)),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, perr.Normalize(
				fmt.Errorf("request timed out after %s: %w", timeout, context.DeadlineExceeded),
				c.provider,
			)
		}
		return nil, perr.Normalize(err, c.provider)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, perr.Normalize(fmt.Errorf("reading response timed out: %w", context.DeadlineExceeded), c.provider)
		}
		return nil, perr.Newf(perr.CategoryProviderDown, c.provider, "failed to read response: %v", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       respBody,
			Cookies:    resp.Cookies(),
		}, nil
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"vendor request failed",
		slog.String("provider", c.provider),
		slog.Int("status", resp.StatusCode),
		slog.String("body", redact.Logging.MaskJSON(respBody, logBodyLimit)),
	)
	return nil, classifyStatus(c.provider, resp.StatusCode, respBody)
}

func classifyStatus(provider string, status int, body []byte) *perr.Error {
	if _, ok := perr.FromStatus(status); ok {
		e := perr.Normalize(body, provider, perr.WithStatus(status))
		if len(bytes.TrimSpace(body)) == 0 || bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
			e.Message = fmt.Sprintf("HTTP %d", status)
		}
		return e
	}
	// Remaining 4xx are client errors: the body may still say what went wrong
	// but the category stays UNKNOWN and they are never retried.
	opts := []perr.Option{perr.WithStatus(status), perr.WithCategory(perr.CategoryUnknown), perr.NonRetryable()}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '<' {
		return perr.Normalize(fmt.Sprintf("HTTP %d", status), provider, opts...)
	}
	return perr.Normalize(trimmed, provider, opts...)
}

// Decode parses a vendor body. An empty body decodes as {}; HTML and any other
// non-JSON content is a PARSE error.
func Decode(provider string, body []byte, dest any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if trimmed[0] == '<' {
		return perr.New(perr.CategoryParse, provider, "received HTML instead of JSON, likely a login redirect or maintenance page")
	}
	if dest == nil {
		if !json.Valid(trimmed) {
			return perr.New(perr.CategoryParse, provider, "response is not valid JSON")
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, dest); err != nil {
		return perr.Newf(perr.CategoryParse, provider, "failed to parse response JSON: %v", err)
	}
	return nil
}
