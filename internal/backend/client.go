package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"CompareChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "comparechat"
	defaultReadTimeout  = 60 * time.Second
	maxErrorBodyBytes   = 4096
)

// ErrReadTimeout is the cancellation cause used when a stream stops delivering data
var ErrReadTimeout = errors.New("read timeout: backend stopped sending data")

// Endpoint identifies one OpenAI-compatible backend
type Endpoint struct {
	Name      string `yaml:"name"`
	ServerURL string `yaml:"server_url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
}

// Info is the display information of a backend
type Info struct {
	Name      string `json:"name"`
	ServerURL string `json:"server_url"`
	Model     string `json:"model"`
}

// Client streams chat completions from one backend.
// A Client is never modified after NewClient and may be shared by any number of requests.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	readTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.Meter

	fragments     metric.Int64Counter
	failures      metric.Int64Counter
	firstFragment metric.Float64Histogram
	duration      metric.Float64Histogram
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithReadTimeout sets how long a stream may stay silent before it is abandoned
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = d
	}
}

// WithTracer sets the tracer for stream spans
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithMeter sets the meter for stream metrics
func WithMeter(m metric.Meter) Option {
	return func(c *Client) {
		c.meter = m
	}
}

// NewClient creates a client for the given endpoint
func NewClient(endpoint Endpoint, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if endpoint.Name == "" {
		return nil, fmt.Errorf("backend name cannot be empty")
	}
	if endpoint.ServerURL == "" {
		return nil, fmt.Errorf("backend %s: server url cannot be empty", endpoint.Name)
	}
	if endpoint.Model == "" {
		return nil, fmt.Errorf("backend %s: model cannot be empty", endpoint.Name)
	}
	endpoint.ServerURL = strings.TrimRight(endpoint.ServerURL, "/")

	c := &Client{
		endpoint:    endpoint,
		readTimeout: defaultReadTimeout,
		logger:      logger.With("backend", endpoint.Name),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = c.readTimeout
		c.httpClient = &http.Client{
			Transport: transport,
			Timeout:   0, // No timeout for SSE streams
		}
	}

	if err := c.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	c.logger.Info("created backend client", "server_url", endpoint.ServerURL, "model", endpoint.Model)
	return c, nil
}

func (c *Client) initInstruments() error {
	var err error
	c.fragments, err = c.meter.Int64Counter(
		"llm.stream.fragments",
		metric.WithDescription("Text fragments received from a completion stream"),
	)
	if err != nil {
		return err
	}
	c.failures, err = c.meter.Int64Counter(
		"llm.stream.errors",
		metric.WithDescription("Completion streams that ended in a transport failure"),
	)
	if err != nil {
		return err
	}
	c.firstFragment, err = c.meter.Float64Histogram(
		"llm.stream.first_fragment",
		metric.WithDescription("Time to first fragment in milliseconds"),
	)
	if err != nil {
		return err
	}
	c.duration, err = c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	return err
}

// Name returns the backend identifier
func (c *Client) Name() string {
	return c.endpoint.Name
}

// Info returns the display information of the backend
func (c *Client) Info() Info {
	return Info{
		Name:      c.endpoint.Name,
		ServerURL: c.endpoint.ServerURL,
		Model:     c.endpoint.Model,
	}
}

// StreamGeneration opens a streaming chat completion and yields its text deltas.
//
// The sequence always terminates and never fails: a transport failure before or during
// the stream is yielded as one ErrorFragment, after which the sequence ends. Breaking
// out of the range loop, or cancelling ctx, releases the connection. The sequence can
// be ranged over only once.
func (c *Client) StreamGeneration(ctx context.Context, messages []session.Message, params Params) iter.Seq[string] {
	var used atomic.Bool
	return func(yield func(string) bool) {
		if used.Swap(true) {
			return
		}
		c.stream(ctx, messages, params, yield)
	}
}

func (c *Client) stream(ctx context.Context, messages []session.Message, params Params, yield func(string) bool) {
	attrs := metric.WithAttributes(
		attribute.String("backend", c.endpoint.Name),
		attribute.String("model", c.endpoint.Model),
	)
	ctx, span := c.tracer.Start(ctx, "chat_completion_stream", trace.WithAttributes(
		attribute.String("backend", c.endpoint.Name),
		attribute.String("model", c.endpoint.Model),
		attribute.Int("messages", len(messages)),
	))
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	start := time.Now()
	defer func() {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}()

	fail := func(err error) {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %v", cause, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.failures.Add(ctx, 1, attrs)
		c.logger.Warn("completion stream failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		yield(ErrorFragment(err))
	}

	body, err := c.open(ctx, messages, params)
	if err != nil {
		fail(err)
		return
	}
	defer body.Close()

	reader := newIdleTimeoutReader(body, c.readTimeout, func() { cancel(ErrReadTimeout) })
	defer reader.stop()

	count := 0
	stopped := false
	err = decodeFrames(reader, func(fragment string) bool {
		if count == 0 {
			c.firstFragment.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
		count++
		c.fragments.Add(ctx, 1, attrs)
		if !yield(fragment) {
			stopped = true
			return false
		}
		return true
	})
	span.SetAttributes(attribute.Int("fragments", count))

	if stopped {
		c.logger.Debug("completion stream abandoned by consumer", "fragments", count)
		return
	}
	if err != nil {
		fail(err)
		return
	}
	c.logger.Info("completion stream finished", "fragments", count, "duration_ms", time.Since(start).Milliseconds())
}

// open sends the completion request and returns the body of a successful response
func (c *Client) open(ctx context.Context, messages []session.Message, params Params) (io.ReadCloser, error) {
	reqBody := ChatCompletionRequest{
		Model:       c.endpoint.Model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
		Stream:      true,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.ServerURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	}

	c.logger.Debug("opening completion stream", "messages", len(messages),
		"temperature", params.Temperature, "max_tokens", params.MaxTokens, "top_p", params.TopP)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}

// ListModels fetches the models served by the backend
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.ServerURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is %s running?): %w", c.endpoint.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var modelsResp ModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return modelsResp.Data, nil
}

// idleTimeoutReader calls onTimeout when no bytes arrive for the configured duration
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration, onTimeout func()) *idleTimeoutReader {
	ir := &idleTimeoutReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, onTimeout)
	}
	return ir
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleTimeoutReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
