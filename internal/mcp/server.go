package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"syscall"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1800agents/dsbridge/contracts"
	"github.com/1800agents/dsbridge/internal/apperrors"
	"github.com/1800agents/dsbridge/internal/registry"
)

const (
	defaultName    = "dsbridge"
	defaultVersion = "dev"
)

type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type capabilityService interface {
	ListDataSources(ctx context.Context) contracts.ListDataSourcesOutput
	BackendHealth(ctx context.Context) contracts.BackendHealthOutput
	QueryDataSource(ctx context.Context, name string, args map[string]any) (contracts.QueryOutput, error)
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported during the initialize handshake.
func WithVersion(version string) Option {
	return func(s *Server) {
		if strings.TrimSpace(version) != "" {
			s.version = version
		}
	}
}

// WithRawLog mirrors every JSON-RPC frame to w.
func WithRawLog(w io.Writer) Option {
	return func(s *Server) {
		s.rawLog = w
	}
}

// Server exposes a fixed capability set as MCP tools.
type Server struct {
	service      capabilityService
	logger       Logger
	capabilities *registry.CapabilitySet
	sdkServer    *sdkmcp.Server
	version      string
	rawLog       io.Writer
}

// NewServer registers every capability in set as a tool. The set is not
// consulted again after construction.
func NewServer(set *registry.CapabilitySet, service capabilityService, logger Logger, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "construct mcp server", "capability service is nil")
	}

	s := &Server{
		service:      service,
		logger:       logger,
		capabilities: set,
		version:      defaultVersion,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sdkServer = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    defaultName,
		Version: s.version,
	}, nil)

	for _, c := range set.All() {
		if err := s.addTool(c); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "construct mcp server", err)
		}
	}
	return s, nil
}

// ToolCount reports how many tools were registered.
func (s *Server) ToolCount() int {
	return s.capabilities.Len()
}

// addTool converts SDK registration panics (invalid schemas) into errors.
func (s *Server) addTool(c registry.Capability) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register tool %q: %v", c.Name, r)
		}
	}()
	s.sdkServer.AddTool(&sdkmcp.Tool{
		Name:        c.Name,
		Description: c.Description,
		InputSchema: c.InputSchema,
	}, s.handler(c))
	return nil
}

// Attach connects the server to transport and starts reading messages.
func (s *Server) Attach(ctx context.Context, transport sdkmcp.Transport) (*Session, error) {
	if transport == nil {
		return nil, apperrors.New(apperrors.CodeTransport, "attach transport", "transport is nil")
	}
	if s.rawLog != nil {
		transport = &sdkmcp.LoggingTransport{Transport: transport, Writer: s.rawLog}
	}

	ss, err := s.sdkServer.Connect(ctx, transport, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransport, "attach transport", err)
	}
	return &Session{session: ss, logger: s.logger}, nil
}

// Serve attaches transport and blocks until the client disconnects or ctx
// ends. Both are clean exits.
func (s *Server) Serve(ctx context.Context, transport sdkmcp.Transport) error {
	session, err := s.Attach(ctx, transport)
	if err != nil {
		return err
	}
	return session.Wait(ctx)
}

// Session is one attached client connection.
type Session struct {
	session *sdkmcp.ServerSession
	logger  Logger
}

// Wait blocks until the input stream closes or ctx is cancelled. End of input,
// a broken stream and cancellation return nil; only errors that did not come
// from the transport's I/O are returned.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.session.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = s.session.Close()
		<-done
		return nil
	case err = <-done:
		if err != nil && ctx.Err() != nil {
			return nil
		}
	}

	if err == nil {
		s.logger.Info("mcp client disconnected", nil)
		return nil
	}
	if isClosedErr(err) {
		s.logger.Info("mcp server input closed", map[string]any{"error": err.Error()})
		return nil
	}
	if isBrokenErr(err) {
		s.logger.Warn(fmt.Sprintf("Transport broken, ending session: %v", err), nil)
		return nil
	}
	return apperrors.Wrap(apperrors.CodeTransport, "serve mcp session", err)
}

// Close terminates the session.
func (s *Session) Close() error {
	return s.session.Close()
}

func (s *Server) handler(c registry.Capability) sdkmcp.ToolHandler {
	return func(ctx context.Context, req *sdkmcp.CallToolRequest) (result *sdkmcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool handler panicked", map[string]any{
					"tool":  c.Name,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
				result, err = errorResult(fmt.Sprintf("internal error while running %s", c.Name)), nil
			}
		}()

		var raw json.RawMessage
		if req != nil && req.Params != nil {
			raw = req.Params.Arguments
		}
		args, err := decodeArguments(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("%s: %v", c.Name, err)), nil
		}

		switch c.Name {
		case registry.BuiltinListDataSources:
			return jsonResult(s.service.ListDataSources(ctx))
		case registry.BuiltinBackendHealth:
			return jsonResult(s.service.BackendHealth(ctx))
		}

		out, err := s.service.QueryDataSource(ctx, c.Name, args)
		if err != nil {
			return errorResult(formatToolError(c.Name, err)), nil
		}
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: out.Body}},
		}, nil
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	return args, nil
}

func jsonResult(v any) (*sdkmcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &sdkmcp.CallToolResult{
		Content:           []sdkmcp.Content{&sdkmcp.TextContent{Text: string(payload)}},
		StructuredContent: v,
	}, nil
}

func errorResult(msg string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: msg}},
	}
}

func formatToolError(name string, err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeTimeout:
		return fmt.Sprintf("%s timed out waiting for the backend: %v", name, err)
	case apperrors.CodeBackend:
		return fmt.Sprintf("%s could not reach the backend: %v. Call backend_health to check availability.", name, err)
	default:
		return fmt.Sprintf("%s failed: %v", name, err)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, sdkmcp.ErrConnectionClosed) ||
		strings.Contains(err.Error(), "EOF")
}

// isBrokenErr reports stream failures raised by the underlying pipe or socket.
func isBrokenErr(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
