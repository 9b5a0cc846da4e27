package invoker

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
	"unicode/utf8"

	"github.com/BaSui01/loopflow/internal/ctxkeys"
	"github.com/BaSui01/loopflow/internal/tlsutil"
	"github.com/BaSui01/loopflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// Correlation headers sent with every agent call made inside a run.
const (
	HeaderRunID  = "X-LoopFlow-Run-ID"
	HeaderLoopID = "X-LoopFlow-Loop-ID"
)

// HTTPConfig configures the remote agent execution client.
type HTTPConfig struct {
	// Endpoint is the full URL of the agent execution endpoint.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key" json:"api_key"`
	// Timeout bounds one remote call. Zero means no client-side timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RateLimit is the allowed requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// RateBurst is the limiter burst size.
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// HTTPInvoker calls the remote agent service over HTTP. It is stateless per call
// and safe for concurrent use.
type HTTPInvoker struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		h.client = client
	}
}

// NewHTTPInvoker creates an invoker for config.Endpoint.
func NewHTTPInvoker(config HTTPConfig, logger *zap.Logger, opts ...HTTPOption) *HTTPInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HTTPInvoker{
		config: config,
		client: tlsutil.SecureHTTPClient(config.Timeout),
		logger: logger.With(zap.String("component", "agent_invoker")),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type wireResponse struct {
	Output      *string      `json:"output"`
	ToolOutputs []ToolOutput `json:"toolOutputs"`
	Error       string       `json:"error"`
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) ExecutionResult {
	ctx, span := otel.Tracer("loopflow/agent/invoker").Start(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.Int("agent.tools", len(req.Tools)),
		attribute.Int("agent.images", len(req.Images)),
	)

	start := time.Now()
	res := h.invoke(ctx, req)

	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		h.logger.Warn("agent invocation failed",
			zap.String("code", string(res.Code)),
			zap.Bool("retryable", res.Retryable),
			zap.Duration("duration", time.Since(start)),
			zap.String("error", res.Error),
		)
		return res
	}

	h.logger.Debug("agent invocation completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("output_len", len(res.Output)),
		zap.Int("tool_outputs", len(res.ToolOutputs)),
	)
	return res
}

func (h *HTTPInvoker) invoke(ctx context.Context, req Request) ExecutionResult {
	if err := req.Validate(); err != nil {
		return Failed(err)
	}
	if req.Tools == nil {
		req.Tools = []ToolConfig{}
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Failed(types.NewError(types.ErrUpstreamTimeout, "rate limiter wait aborted").WithCause(err))
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Failed(types.NewError(types.ErrInvalidRequest, "encode request").WithCause(err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Failed(types.NewNodeConfigError("build request").WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
	if runID, ok := ctxkeys.RunID(ctx); ok {
		httpReq.Header.Set(HeaderRunID, runID)
	}
	if loopID, ok := ctxkeys.LoopID(ctx); ok {
		httpReq.Header.Set(HeaderLoopID, loopID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Failed(classifyTransportError(ctx, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Failed(types.NewError(types.ErrUpstreamError, "read response body").
			WithCause(err).WithRetryable(true))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed(types.NewUpstreamError(resp.StatusCode, statusMessage(resp.StatusCode, data)))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Failed(types.NewError(types.ErrMalformedResponse, "malformed response body").WithCause(err))
	}
	if wire.Error != "" {
		return Failed(types.NewError(types.ErrUpstreamError, wire.Error))
	}

	output := ""
	if wire.Output != nil {
		output = *wire.Output
	}
	return Succeeded(output, wire.ToolOutputs)
}

func classifyTransportError(ctx context.Context, err error) *types.Error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrUpstreamError, "request cancelled").WithCause(err)
	}
	var timeout interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeout) && timeout.Timeout()) {
		return types.NewError(types.ErrUpstreamTimeout, "request timed out").WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrUpstreamError, "network failure").WithCause(err).WithRetryable(true)
}

// maxErrorText bounds the raw body quoted in an error, in bytes
const maxErrorText = 200

func statusMessage(status int, body []byte) string {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return fmt.Sprintf("agent service returned %d: %s", status, wire.Error)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorText {
		cut := maxErrorText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return fmt.Sprintf("agent service returned %d: %s", status, text)
}
