package remote

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

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

const maxErrorBody = 2048

// HTTPError is a non-2xx answer from an external service.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsServerError returns true for 5xx responses.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsRateLimited returns true for 429 responses.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to one external service. Every call holds a slot of the
// service's semaphore, so in-flight requests never exceed MaxConcurrency no
// matter how many workers share the client.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New builds a client for one service endpoint.
func New(name string, cfg common.ServiceEndpoint, logger *zap.SugaredLogger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	slots := cfg.MaxConcurrency
	if slots <= 0 {
		slots = 1
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	c := &Client{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		http:    &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(slots),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name identifies the service in logs and errors.
func (c *Client) Name() string { return c.name }

// PostJSON sends body as JSON and decodes a JSON answer into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	bs, err := json.Marshal(body)
	if err != nil {
		return common.ServiceError(c.name, false, fmt.Errorf("encode json: %w", err))
	}
	raw, err := c.do(ctx, path, "application/json", bs)
	if err != nil {
		return err
	}
	return c.decode(raw, out)
}

// PostBytes sends a raw payload with its content type and decodes a JSON answer into out.
func (c *Client) PostBytes(ctx context.Context, path, contentType string, data []byte, out any) error {
	raw, err := c.do(ctx, path, contentType, data)
	if err != nil {
		return err
	}
	return c.decode(raw, out)
}

// PostJSONForBytes sends body as JSON and returns the raw answer body.
func (c *Client) PostJSONForBytes(ctx context.Context, path string, body any) ([]byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, common.ServiceError(c.name, false, fmt.Errorf("encode json: %w", err))
	}
	return c.do(ctx, path, "application/json", bs)
}

func (c *Client) decode(raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return common.ServiceError(c.name, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, path, contentType string, payload []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, common.ServiceError(c.name, false, fmt.Errorf("acquire slot: %w", err))
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.ServiceError(c.name, false, fmt.Errorf("rate limiter: %w", err))
	}

	reqID := uuid.New().String()
	start := time.Now()
	url := c.baseURL + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, common.ServiceError(c.name, false, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", reqID)

	c.logger.Debugw("remote.http.request", "service", c.name, "req_id", reqID, "url", url, "content_length", len(payload))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warnw("remote.http.send_error", "service", c.name, "req_id", reqID, "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		// Our own cancellation is not a service fault and retrying cannot help.
		return nil, common.ServiceError(c.name, !errors.Is(err, context.Canceled), err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warnw("remote.http.response_body_close_error", "service", c.name, "req_id", reqID, "err", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.ServiceError(c.name, true, fmt.Errorf("read body: %w", err))
	}

	c.logger.Debugw("remote.http.response", "service", c.name, "req_id", reqID, "status", resp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		body := string(raw)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		herr := &HTTPError{Service: c.name, StatusCode: resp.StatusCode, Body: body}
		return nil, common.ServiceError(c.name, herr.IsServerError() || herr.IsRateLimited(), herr)
	}
	return raw, nil
}
