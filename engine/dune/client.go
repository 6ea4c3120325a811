package dune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
	"github.com/spicemcp/spice/pkg/version"
)

const (
	defaultRetryAttempts = 3
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 8 * time.Second
	retryJitter          = 250 * time.Millisecond
)

// API is the subset of the Dune REST API used by the execution gateway.
type API interface {
	ExecuteQuery(ctx context.Context, queryID int64, req *ExecuteRequest) (*ExecuteResponse, error)
	ExecuteSQL(ctx context.Context, req *ExecuteSQLRequest) (*ExecuteResponse, error)
	ExecutionStatus(ctx context.Context, executionID string) (*StatusResponse, error)
	ExecutionResults(ctx context.Context, executionID string, opts *ResultOptions) (*ResultsResponse, error)
	LatestResults(ctx context.Context, queryID int64, opts *ResultOptions) (*ResultsResponse, error)
	GetQuery(ctx context.Context, queryID int64) (*QueryInfo, error)
}

// Client talks to the Dune API over HTTP.
type Client struct {
	http        *resty.Client
	apiKey      string
	getTimeout  time.Duration
	postTimeout time.Duration
	attempts    uint64
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var _ API = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithRetryDelays overrides the backoff window.
func WithRetryDelays(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// NewClient creates a Dune API client from configuration.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	userAgent := cfg.Dune.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	getTimeout := cfg.HTTP.EffectiveGetTimeout()
	postTimeout := cfg.HTTP.EffectivePostTimeout()
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Dune.BaseURL, "/")).
		SetTimeout(max(getTimeout, postTimeout)).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetHeader("X-Dune-API-Key", cfg.Dune.APIKey.Value())
	if cfg.Runtime.LogLevel == "debug" {
		client.SetDebug(true)
		client.SetLogger(restyLogger{})
	}
	c := &Client{
		http:        client,
		apiKey:      cfg.Dune.APIKey.Value(),
		getTimeout:  getTimeout,
		postTimeout: postTimeout,
		attempts:    uint64(cfg.HTTP.RetryAttempts),
		baseDelay:   cfg.HTTP.RetryBaseDelay,
		maxDelay:    cfg.HTTP.RetryMaxDelay,
	}
	if c.attempts == 0 {
		c.attempts = defaultRetryAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HasAPIKey reports whether requests will carry credentials.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

func (c *Client) ExecuteQuery(ctx context.Context, queryID int64, req *ExecuteRequest) (*ExecuteResponse, error) {
	if req == nil {
		req = &ExecuteRequest{}
	}
	var out ExecuteResponse
	path := fmt.Sprintf("/query/%d/execute", queryID)
	if err := c.do(ctx, http.MethodPost, path, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").SetBody(req)
	}, &out); err != nil {
		return nil, err
	}
	if out.ExecutionID == "" {
		return nil, fmt.Errorf("dune POST %s: response carried no execution_id", path)
	}
	return &out, nil
}

func (c *Client) ExecuteSQL(ctx context.Context, req *ExecuteSQLRequest) (*ExecuteResponse, error) {
	if req == nil || strings.TrimSpace(req.SQL) == "" {
		return nil, fmt.Errorf("sql is required")
	}
	var out ExecuteResponse
	const path = "/sql/execute"
	if err := c.do(ctx, http.MethodPost, path, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").SetBody(req)
	}, &out); err != nil {
		return nil, err
	}
	if out.ExecutionID == "" {
		return nil, fmt.Errorf("dune POST %s: response carried no execution_id", path)
	}
	return &out, nil
}

func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (*StatusResponse, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/execution/"+executionID+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExecutionResults(
	ctx context.Context,
	executionID string,
	opts *ResultOptions,
) (*ResultsResponse, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	var out ResultsResponse
	if err := c.do(ctx, http.MethodGet, "/execution/"+executionID+"/results", func(r *resty.Request) {
		r.SetQueryParamsFromValues(opts.values())
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestResults returns the most recent execution of a saved query.
// ErrNoExecution is returned when the query has never run.
func (c *Client) LatestResults(ctx context.Context, queryID int64, opts *ResultOptions) (*ResultsResponse, error) {
	var out ResultsResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/query/%d/results", queryID), func(r *resty.Request) {
		r.SetQueryParamsFromValues(opts.values())
	}, &out)
	if err != nil {
		if errors.Is(err, ErrNoExecution) || errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("query %d: %w", queryID, ErrNoExecution)
		}
		return nil, err
	}
	if msg := out.Error.Message(); msg != "" && strings.Contains(strings.ToLower(msg), noExecutionMarker) {
		return nil, fmt.Errorf("query %d: %w", queryID, ErrNoExecution)
	}
	return &out, nil
}

func (c *Client) GetQuery(ctx context.Context, queryID int64) (*QueryInfo, error) {
	var out QueryInfo
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/query/%d", queryID), nil, &out); err != nil {
		return nil, err
	}
	if out.QueryID == 0 {
		out.QueryID = queryID
	}
	return &out, nil
}

func (c *Client) backoff() retry.Backoff {
	exponential := retry.NewExponential(c.baseDelay)
	exponential = retry.WithCappedDuration(c.maxDelay, exponential)
	retries := uint64(0)
	if c.attempts > 1 {
		retries = c.attempts - 1
	}
	return retry.WithMaxRetries(retries, retry.WithJitter(retryJitter, exponential))
}

func (c *Client) timeoutFor(method string) time.Duration {
	if method == http.MethodGet {
		return c.getTimeout
	}
	return c.postTimeout
}

// do performs one logical request with bounded retries on transient failures.
func (c *Client) do(
	ctx context.Context,
	method, path string,
	build func(*resty.Request),
	out any,
) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	log := logger.FromContext(ctx)
	attempt := 0
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		reqCtx := ctx
		if timeout := c.timeoutFor(method); timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req := c.http.R().SetContext(reqCtx)
		if build != nil {
			build(req)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Dune request failed", "method", method, "path", path, "attempt", attempt, "error", err)
			return retry.RetryableError(&TransportError{Method: method, Path: path, Err: err})
		}
		if resp.IsError() {
			apiErr := newAPIError(method, path, resp.StatusCode(), resp.Body())
			if apiErr.Retryable() {
				log.Warn("Dune request throttled or unavailable",
					"method", method, "path", path, "status", apiErr.StatusCode, "attempt", attempt)
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		if out == nil {
			return nil
		}
		if err := decodeJSON(resp.Body(), out); err != nil {
			return fmt.Errorf("dune %s %s: decode response: %w", method, path, err)
		}
		return nil
	})
}

// decodeJSON keeps numbers as json.Number so row values pass through unmodified.
func decodeJSON(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func (o *ResultOptions) values() url.Values {
	v := make(url.Values)
	if o == nil {
		return v
	}
	if o.Limit > 0 {
		v["limit"] = []string{strconv.Itoa(o.Limit)}
	}
	if o.Offset > 0 {
		v["offset"] = []string{strconv.Itoa(o.Offset)}
	}
	if o.SampleCount > 0 {
		v["sample_count"] = []string{strconv.Itoa(o.SampleCount)}
	}
	if o.SortBy != "" {
		v["sort_by"] = []string{o.SortBy}
	}
	if len(o.Columns) > 0 {
		v["columns"] = []string{strings.Join(o.Columns, ",")}
	}
	if o.Filters != "" {
		v["filters"] = []string{o.Filters}
	}
	for key, value := range o.QueryParameters {
		v["params."+key] = []string{fmt.Sprint(value)}
	}
	return v
}

type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	logger.GetDefault().Error(fmt.Sprintf(format, v...))
}

func (restyLogger) Warnf(format string, v ...any) {
	logger.GetDefault().Warn(fmt.Sprintf(format, v...))
}

func (restyLogger) Debugf(format string, v ...any) {
	logger.GetDefault().Debug(fmt.Sprintf(format, v...))
}
