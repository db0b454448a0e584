package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/1800agents/dsbridge/internal/apperrors"
)

const (
	// HealthPath is the backend readiness endpoint.
	HealthPath = "/health"

	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 8 << 20
	requestIDHeader       = "X-Request-ID"
	tracerName            = "github.com/1800agents/dsbridge/backend"
)

// HTTPClient abstracts http.Client for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the remote tool-execution backend.
type Client struct {
	baseURL        *url.URL
	httpClient     HTTPClient
	requestTimeout time.Duration
	newRequestID   func() string
	tracer         trace.Tracer
}

// HealthResponse is the raw outcome of GET /health. Non-2xx statuses are
// returned here rather than as errors; callers decide what healthy means.
type HealthResponse struct {
	StatusCode int
	Body       string
}

// Call describes one tool invocation forwarded to the backend.
type Call struct {
	Method    string
	Path      string
	Arguments map[string]any
}

// Result is a successful (2xx) backend response.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	RequestID   string
}

// APIError describes a non-2xx response returned by the backend.
type APIError struct {
	StatusCode int
	RemoteCode string
	Message    string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.RemoteCode == "" {
		return fmt.Sprintf("backend request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend error (%s): %s", e.RemoteCode, e.Message)
}

func (e *APIError) ErrorCode() apperrors.Code {
	return apperrors.CodeBackendAPI
}

// RequestError represents transport-level failures, including timeouts.
type RequestError struct {
	Err       error
	Timeout   bool
	Operation string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Timeout {
		return fmt.Sprintf("backend request timed out during %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("backend request failed during %s: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *RequestError) ErrorCode() apperrors.Code {
	if e != nil && e.Timeout {
		return apperrors.CodeTimeout
	}
	return apperrors.CodeBackend
}

// Option configures the backend client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client implementation.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRequestTimeout sets the per-request timeout used when the caller's
// context carries no deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithRequestIDFunc overrides how X-Request-ID values are generated.
func WithRequestIDFunc(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newRequestID = fn
		}
	}
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "parse backend URL", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "parse backend URL", fmt.Sprintf("backend URL %q must be absolute", baseURL))
	}

	cleanURL := *parsedURL
	cleanURL.RawQuery = ""
	cleanURL.Fragment = ""

	client := &Client{
		baseURL:        &cleanURL,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
		newRequestID:   uuid.NewString,
		tracer:         otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

// Health calls GET /health once. The caller's context bounds the request.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	resp, _, err := c.do(ctx, http.MethodGet, HealthPath, nil, nil, "health check")
	if err != nil {
		return HealthResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return HealthResponse{}, &RequestError{Err: err, Timeout: isTimeoutError(err), Operation: "health check"}
	}

	return HealthResponse{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}, nil
}

// Invoke forwards a tool call. POST sends the arguments as a JSON body, GET
// encodes them as query parameters.
func (c *Client) Invoke(ctx context.Context, call Call) (Result, error) {
	operation := "invoke " + call.Path
	method := strings.ToUpper(strings.TrimSpace(call.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	var query url.Values
	switch method {
	case http.MethodPost:
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return Result{}, apperrors.Wrap(apperrors.CodeInvalidInput, "marshal "+operation+" payload", err)
		}
		body = bytes.NewReader(payload)
	case http.MethodGet:
		query = encodeQuery(call.Arguments)
	default:
		return Result{}, apperrors.New(apperrors.CodeInvalidInput, operation, fmt.Sprintf("unsupported method %q", method))
	}

	resp, requestID, err := c.do(ctx, method, call.Path, query, body, operation)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, decodeAPIError(resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeBackend, "read "+operation+" response", err)
	}

	return Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
		RequestID:   requestID,
	}, nil
}

// do sends one request. The returned response body stays open until the
// caller closes it, so the timeout context is released with the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, operation string) (*http.Response, string, error) {
	endpoint := c.endpointURL(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	ctx, span := c.tracer.Start(ctx, "backend "+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", endpoint.Path),
	)

	ctxWithTimeout, cancel := withTimeout(ctx, c.requestTimeout)

	httpReq, err := http.NewRequestWithContext(ctxWithTimeout, method, endpoint.String(), body)
	if err != nil {
		cancel()
		span.End()
		return nil, "", apperrors.Wrap(apperrors.CodeBackend, "build "+operation+" request", err)
	}
	requestID := c.newRequestID()
	httpReq.Header.Set(requestIDHeader, requestID)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, "", &RequestError{Err: err, Timeout: isTimeoutError(err), Operation: operation}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, span: span}
	return resp, requestID, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	c.span.End()
	return err
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func encodeQuery(args map[string]any) url.Values {
	values := url.Values{}
	for key, value := range args {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			values.Set(key, v)
		case []any:
			for _, item := range v {
				values.Add(key, fmt.Sprint(item))
			}
		case map[string]any:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			values.Set(key, string(encoded))
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return values
}

func decodeAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	// FastAPI reports errors as {"detail": "..."} or {"detail": [...]}.
	var detailEnvelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &detailEnvelope); err == nil && len(detailEnvelope.Detail) > 0 {
		var message string
		if err := json.Unmarshal(detailEnvelope.Detail, &message); err == nil {
			return &APIError{StatusCode: resp.StatusCode, Message: message}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Details:    detailEnvelope.Detail,
		}
	}

	var errorEnvelope struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errorEnvelope); err == nil && (errorEnvelope.Error.Code != "" || errorEnvelope.Error.Message != "") {
		return &APIError{
			StatusCode: resp.StatusCode,
			RemoteCode: errorEnvelope.Error.Code,
			Message:    errorEnvelope.Error.Message,
			Details:    errorEnvelope.Error.Details,
		}
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

func (c *Client) endpointURL(path string) *url.URL {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return &endpoint
}
