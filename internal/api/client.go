// Package api is the request/response client for the auxiliary REST calls:
// conversations, files, models, search, login and version.
//
// Calls are never retried. A failed call returns *Error carrying the
// server's reason, or a generic fallback.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/wingdesk/internal/logger"
)

const (
	DefaultTimeout = 30 * time.Second
	FallbackReason = "request failed"
	userAgent      = "wingdesk"
)

// Error is a failed auxiliary call.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (%d)", e.Reason, e.Status)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func reasonFrom(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if r := strings.TrimSpace(eb.Error); r != "" {
			return r
		}
		if r := strings.TrimSpace(eb.Message); r != "" {
			return r
		}
	}
	return FallbackReason
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RPS <= 0 disables client-side rate limiting.
	RPS    float64
	Burst  int
	Logger *zap.Logger
}

type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	log     *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		resty:   r,
		limiter: limiter,
		log:     logger.OrNop(opts.Logger).Named("api"),
		token:   opts.Token,
	}
}

// SetToken replaces the bearer credential for subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the server address calls are made against.
func (c *Client) BaseURL() string {
	return c.resty.BaseURL
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.resty.R().SetContext(ctx)
	if tok := c.Token(); tok != "" {
		req.SetAuthToken(tok)
	}
	return req
}

// do executes req and maps transport failures and non-2xx responses to *Error.
func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, &Error{Reason: FallbackReason}
	}
	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	if resp.IsError() || resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return resp, &Error{Status: resp.StatusCode(), Reason: reasonFrom(resp.Body())}
	}
	return resp, nil
}

// getJSON issues a GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.request(ctx).SetQueryParams(query)
	resp, err := c.do(ctx, req, resty.MethodGet, path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// sendJSON issues method with a JSON body and decodes the reply into out if non-nil.
func (c *Client) sendJSON(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	req := c.request(ctx).SetQueryParams(query)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := c.do(ctx, req, method, path)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func decode(resp *resty.Response, out any) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", resp.Request.URL, err)
	}
	return nil
}
