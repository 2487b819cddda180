// Package executionsvc is the HTTP client for the downstream execution service's
// batch endpoint.
package executionsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/infra/resilience"
	"github.com/coachpo/tradeflow/internal/observability"
)

const (
	batchPath       = "/api/v1/executions/batch"
	requestIDHeader = "X-Request-ID"
	maxResponseSize = 4 << 20
)

// Config configures the client transport.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RateLimit caps outbound calls per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ReadTimeout
}

// AttemptObserver receives per-attempt outcomes, typically metrics.
type AttemptObserver interface {
	DownstreamAttempt(outcome string, elapsed time.Duration)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = observability.OrDefault(logger)
	}
}

// WithObserver registers an attempt observer.
func WithObserver(observer AttemptObserver) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// Client submits execution batches through a resilience.Guard.
type Client struct {
	endpoint string
	http     *http.Client
	guard    *resilience.Guard
	limiter  *rate.Limiter
	logger   observability.Logger
	observer AttemptObserver
	clock    func() time.Time
}

// NewClient builds a client for cfg.BaseURL. A nil guard gets default breaker and
// retry settings.
func NewClient(cfg Config, guard *resilience.Guard, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errs.Invalid("executionsvc", "base url required")
	}
	if guard == nil {
		guard = resilience.NewGuard(nil, resilience.DefaultRetryConfig(), nil)
	}
	c := &Client{
		endpoint: base + batchPath,
		guard:    guard,
		logger:   observability.Log(),
		clock:    time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg)
	}
	return c, nil
}

func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.connectTimeout(), KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = cfg.readTimeout()
	transport.MaxIdleConnsPerHost = 32
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.connectTimeout() + cfg.readTimeout(),
	}
}

// Guard exposes the resilience guard wrapping downstream calls.
func (c *Client) Guard() *resilience.Guard { return c.guard }

// SubmitBatch sends items as one downstream batch.
//
// 201 and 207 replies are decoded into per-item results. A 400 reply marks every
// item failed without retrying. Other 4xx replies, an empty success body, or an
// exhausted retry budget on 5xx and transport failures return an error.
func (c *Client) SubmitBatch(ctx context.Context, items []ExecutionRequest) (BatchResponse, error) {
	if len(items) == 0 {
		return BatchResponse{}, errs.Invalid("executionsvc/submit", "batch must contain at least one execution")
	}
	if len(items) > MaxBatchSize {
		return BatchResponse{}, errs.New("executionsvc/submit", errs.KindValidation,
			errs.WithHTTP(http.StatusRequestEntityTooLarge),
			errs.WithMessage(fmt.Sprintf("batch size %d exceeds maximum %d", len(items), MaxBatchSize)))
	}
	body, err := json.Marshal(batchRequest{Executions: items})
	if err != nil {
		return BatchResponse{}, errs.New("executionsvc/submit", errs.KindInternal,
			errs.WithMessage("encode batch request"), errs.WithCause(err))
	}
	requestID := uuid.NewString()
	lc := resilience.Context{
		Operation:    "submitBatch",
		ExecutionIDs: executionIDs(items),
		BatchSize:    len(items),
	}
	return resilience.Execute(ctx, c.guard, lc, func(ctx context.Context, attempt int) (BatchResponse, error) {
		return c.attempt(ctx, requestID, attempt, body, len(items))
	})
}

func (c *Client) attempt(ctx context.Context, requestID string, attempt int, body []byte, size int) (BatchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return BatchResponse{}, errs.New("executionsvc/submit", errs.KindInternal,
				errs.WithMessage("rate limiter wait"), errs.WithCause(err))
		}
	}
	start := c.clock()
	resp, outcome, err := c.send(ctx, requestID, body, size)
	elapsed := c.clock().Sub(start)

	fields := []observability.Field{
		observability.F("requestId", requestID),
		observability.F("attempt", attempt),
		observability.F("batchSize", size),
		observability.F("durationMs", elapsed.Milliseconds()),
		observability.F("outcome", outcome),
	}
	if err != nil {
		c.logger.Debug("execution service attempt failed", append(fields, observability.F("error", err))...)
	} else {
		c.logger.Debug("execution service attempt completed", fields...)
	}
	if c.observer != nil {
		c.observer.DownstreamAttempt(outcome, elapsed)
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, requestID string, body []byte, size int) (BatchResponse, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, "error", errs.New("executionsvc/submit", errs.KindInternal,
			errs.WithMessage("create batch request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return BatchResponse{}, "network_error", errs.New("executionsvc/submit", errs.KindNetwork,
			errs.WithMessage("execution service unreachable"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return BatchResponse{}, "network_error", errs.New("executionsvc/submit", errs.KindNetwork,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage("read batch response"), errs.WithCause(err))
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusMultiStatus:
		out, err := decodeBatch(resp.StatusCode, raw)
		if err != nil {
			return BatchResponse{}, "error", err
		}
		if resp.StatusCode == http.StatusCreated {
			for i := range out.Results {
				if out.Results[i].Status == "" {
					out.Results[i].Status = StatusSuccess
				}
			}
			return out, "success", nil
		}
		return out, "partial", nil
	case resp.StatusCode == http.StatusBadRequest:
		return rejectAll(size, raw), "rejected", nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return BatchResponse{}, "client_error", errs.New("executionsvc/submit", errs.KindClient,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(responseMessage(resp.StatusCode, raw)))
	case resp.StatusCode >= 500:
		return BatchResponse{}, "server_error", errs.New("executionsvc/submit", errs.KindServer,
			errs.WithHTTP(resp.StatusCode), errs.WithMessage(responseMessage(resp.StatusCode, raw)))
	default:
		return BatchResponse{}, "error", errs.New("executionsvc/submit", errs.KindInternal,
			errs.WithHTTP(resp.StatusCode), errs.WithCode("UNEXPECTED_STATUS"),
			errs.WithMessage("unexpected execution service status "+strconv.Itoa(resp.StatusCode)))
	}
}

func decodeBatch(status int, raw []byte) (BatchResponse, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return BatchResponse{}, errs.New("executionsvc/submit", errs.KindInternal,
			errs.WithHTTP(status), errs.WithCode("EMPTY_RESPONSE"),
			errs.WithMessage("execution service returned an empty response body"))
	}
	var out BatchResponse
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return BatchResponse{}, errs.New("executionsvc/submit", errs.KindInternal,
			errs.WithHTTP(status), errs.WithCode("DECODE_ERROR"),
			errs.WithMessage("decode batch response"), errs.WithCause(err))
	}
	return out, nil
}

// rejectAll builds a FAILURE result for every item of a batch the service refused.
func rejectAll(size int, raw []byte) BatchResponse {
	message := "execution service rejected batch"
	var body BatchResponse
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Message) != "" {
		message += ": " + strings.TrimSpace(body.Message)
	}
	out := BatchResponse{
		Status:         StatusFailure,
		Message:        message,
		TotalRequested: size,
		Failed:         size,
		Results:        make([]ItemResult, size),
	}
	for i := range out.Results {
		out.Results[i] = ItemResult{RequestIndex: i, Status: StatusFailure, Message: message}
	}
	return out
}

func responseMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		msg = strings.TrimSpace(body.Message)
		if msg == "" {
			msg = strings.TrimSpace(body.Error)
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return "HTTP " + strconv.Itoa(status) + ": " + msg
}

func executionIDs(items []ExecutionRequest) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.TradeServiceExecutionID)
	}
	return ids
}

// IsEscalation reports whether err from SubmitBatch must fail the whole caller
// request rather than being absorbed as per-item failures.
func IsEscalation(err error) bool {
	if err == nil {
		return false
	}
	info := resilience.Classify(err, resilience.Context{})
	if info.Retryable {
		return false
	}
	return !errs.Is(err, errs.KindUnavailable)
}
