// Package remote talks to the container control plane: a GraphQL client with
// authentication, rate limiting and bounded retry, and the Unraid runtime
// built on it.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// APIKeyHeader carries the control-plane credential.
const APIKeyHeader = "x-api-key"

// Operation is a named GraphQL document. Idempotent mutations may be retried
// like queries; all others are sent once.
type Operation struct {
	Name       string
	Document   string
	Idempotent bool
}

// Recorder receives the outcome of every call.
type Recorder interface {
	RemoteCall(operation, outcome string, elapsed time.Duration)
}

// Config configures a Client.
type Config struct {
	URL          string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64
	Logger    *zap.Logger
	Recorder  Recorder
}

// Client executes GraphQL operations against <URL>/graphql.
type Client struct {
	resty      *resty.Client
	endpoint   string
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	waitMin    time.Duration
	waitMax    time.Duration
	backoff    retryablehttp.Backoff
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
	recorder   Recorder
}

// NewClient creates a Client. The transport comes from retryablehttp's pooled
// client; retries are driven by Client itself so mutations can opt out.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = cfg.RetryWaitMin
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetTransport(retryClient.HTTPClient.Transport).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "plugdeck/1.0").
		SetHeader(APIKeyHeader, cfg.APIKey)
	restyClient.JSONMarshal = sonic.Marshal
	restyClient.JSONUnmarshal = sonic.Unmarshal

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		resty:      restyClient,
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/graphql",
		limiter:    limiter,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		waitMin:    cfg.RetryWaitMin,
		waitMax:    cfg.RetryWaitMax,
		backoff:    retryablehttp.DefaultBackoff,
		sleep:      sleepContext,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
	}, nil
}

// Endpoint returns the GraphQL URL requests are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Query runs a read-only operation and decodes its data into out.
func (c *Client) Query(ctx context.Context, op Operation, vars map[string]any, out any) error {
	return c.do(ctx, op, vars, out, true)
}

// Mutate runs a mutation and decodes its data into out. It is retried only
// when op is idempotent.
func (c *Client) Mutate(ctx context.Context, op Operation, vars map[string]any, out any) error {
	return c.do(ctx, op, vars, out, op.Idempotent)
}

type graphqlRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (c *Client) do(ctx context.Context, op Operation, vars map[string]any, out any, retryable bool) error {
	start := time.Now()
	body, err := sonic.Marshal(graphqlRequest{Query: op.Document, Variables: vars, OperationName: op.Name})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op.Name, err)
	}

	maxAttempts := 1
	if retryable {
		maxAttempts += c.maxRetries
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, status, err := c.attempt(ctx, body)

		var transient bool
		if err != nil {
			// A response that arrived before cancellation is still used.
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.record(op.Name, "canceled", start)
				return fmt.Errorf("%s: %w", op.Name, ctxErr)
			}
			transient, lastErr = c.transportError(ctx, op.Name, err)
		} else if isRetryableStatus(status) {
			transient = true
			lastErr = statusError(op.Name, resp)
		} else {
			err = c.finish(op.Name, resp, out)
			c.record(op.Name, outcome(err), start)
			return err
		}

		if !transient || attempt >= maxAttempts {
			c.record(op.Name, outcome(lastErr), start)
			return lastErr
		}

		var raw *http.Response
		if resp != nil {
			raw = resp.RawResponse
		}
		wait := c.backoff(c.waitMin, c.waitMax, attempt-1, raw)
		c.logger.Warn("retrying remote call",
			zap.String("operation", op.Name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		if err := c.sleep(ctx, wait); err != nil {
			c.record(op.Name, "canceled", start)
			return fmt.Errorf("%s: %w", op.Name, err)
		}
	}
}

// attempt sends one request bounded by the per-request timeout.
func (c *Client) attempt(ctx context.Context, body []byte) (*resty.Response, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit: %w", err)
	}
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.resty.R().
		SetContext(actx).
		SetBody(body).
		Post(c.endpoint)
	if err != nil {
		return resp, 0, err
	}
	return resp, resp.StatusCode(), nil
}

// transportError classifies a failed round trip.
func (c *Client) transportError(ctx context.Context, name string, err error) (bool, error) {
	if isTimeout(err) {
		return true, &Error{Kind: ErrTimeout, Operation: name, Err: err}
	}
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	return retry, &Error{Kind: ErrUnavailable, Operation: name, Err: err}
}

// finish maps a final, non-retryable response to the result.
func (c *Client) finish(name string, resp *resty.Response, out any) error {
	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrAuth, Operation: name, Status: status, Message: responseMessage(resp)}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &Error{Kind: ErrInvalidRequest, Operation: name, Status: status, Message: responseMessage(resp)}
	case status < 200 || status >= 300:
		return statusError(name, resp)
	}

	var env graphqlResponse
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil {
		return &APIError{Operation: name, Status: status, Message: "decode response: " + err.Error()}
	}
	if len(env.Errors) > 0 {
		return payloadError(name, status, env.Errors)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return &APIError{Operation: name, Status: status, Message: "decode data: " + err.Error()}
	}
	return nil
}

func payloadError(name string, status int, errs []graphqlError) error {
	first := errs[0]
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	msg := strings.Join(msgs, "; ")

	switch strings.ToUpper(first.Extensions.Code) {
	case "UNAUTHENTICATED", "UNAUTHORIZED", "FORBIDDEN":
		return &Error{Kind: ErrAuth, Operation: name, Status: status, Message: msg}
	case "GRAPHQL_PARSE_FAILED", "GRAPHQL_VALIDATION_FAILED", "BAD_USER_INPUT", "BAD_REQUEST":
		return &Error{Kind: ErrInvalidRequest, Operation: name, Status: status, Message: msg}
	}
	return &APIError{Operation: name, Status: status, Message: msg, Code: first.Extensions.Code}
}

func statusError(name string, resp *resty.Response) error {
	status := resp.StatusCode()
	if status == http.StatusGatewayTimeout {
		return &Error{Kind: ErrTimeout, Operation: name, Status: status, Message: responseMessage(resp)}
	}
	return &APIError{Operation: name, Status: status, Message: responseMessage(resp)}
}

// responseMessage prefers the first GraphQL error message of a body and falls
// back to the HTTP status text.
func responseMessage(resp *resty.Response) string {
	var env graphqlResponse
	if err := sonic.Unmarshal(resp.Body(), &env); err == nil && len(env.Errors) > 0 {
		return env.Errors[0].Message
	}
	if text := http.StatusText(resp.StatusCode()); text != "" {
		return text
	}
	return resp.Status()
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.As(err, &apiErr):
		return "api_error"
	}
	return "error"
}

func (c *Client) record(name, result string, start time.Time) {
	if c.recorder != nil {
		c.recorder.RemoteCall(name, result, time.Since(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
