package tool

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/1800agents/dsbridge/backend"
	"github.com/1800agents/dsbridge/contracts"
	"github.com/1800agents/dsbridge/internal/apperrors"
	"github.com/1800agents/dsbridge/internal/health"
	"github.com/1800agents/dsbridge/internal/registry"
)

const tracerName = "github.com/1800agents/dsbridge/internal/tool"

type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type backendClient interface {
	Invoke(ctx context.Context, call backend.Call) (backend.Result, error)
	BaseURL() string
}

type healthChecker interface {
	Check(ctx context.Context) health.Result
}

// Service executes registered capabilities. Built-ins run locally; data
// sources are forwarded to the backend one call at a time, with no retry.
type Service struct {
	logger       Logger
	backend      backendClient
	health       healthChecker
	capabilities *registry.CapabilitySet
	tracer       trace.Tracer
}

func NewService(client backendClient, checker healthChecker, capabilities *registry.CapabilitySet, logger Logger) *Service {
	return &Service{
		logger:       logger,
		backend:      client,
		health:       checker,
		capabilities: capabilities,
		tracer:       otel.Tracer(tracerName),
	}
}

// ListDataSources describes every registered capability.
func (s *Service) ListDataSources(context.Context) contracts.ListDataSourcesOutput {
	all := s.capabilities.All()
	out := contracts.ListDataSourcesOutput{
		DataSources: make([]contracts.DataSourceSummary, 0, len(all)),
	}
	for _, c := range all {
		out.DataSources = append(out.DataSources, contracts.DataSourceSummary{
			Name:        c.Name,
			Description: c.Description,
			Kind:        c.DataSource.Kind,
			Builtin:     c.Builtin,
		})
	}
	return out
}

// BackendHealth runs an on-demand probe.
func (s *Service) BackendHealth(ctx context.Context) contracts.BackendHealthOutput {
	res := s.health.Check(ctx)
	s.logger.Info("backend health requested", map[string]any{
		"reachable": res.Reachable,
		"status":    res.StatusCode,
	})
	return contracts.BackendHealthOutput{
		BackendURL: s.backend.BaseURL(),
		Reachable:  res.Reachable,
		StatusCode: res.StatusCode,
		Detail:     res.Detail,
		LatencyMS:  res.Latency.Milliseconds(),
	}
}

// QueryDataSource forwards args to the backend endpoint of the named data source.
func (s *Service) QueryDataSource(ctx context.Context, name string, args map[string]any) (contracts.QueryOutput, error) {
	var zero contracts.QueryOutput

	capability, ok := s.capabilities.Lookup(name)
	if !ok || capability.Builtin {
		return zero, apperrors.New(apperrors.CodeUnknown, "query data source", fmt.Sprintf("unknown data source %q", name))
	}
	ds := capability.DataSource

	ctx, span := s.tracer.Start(ctx, "datasource "+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("dsbridge.datasource", name),
		attribute.String("dsbridge.datasource.kind", ds.Kind),
	)

	s.logger.Info("tool call requested", map[string]any{
		"tool":   name,
		"method": ds.Method,
		"path":   ds.Path,
	})

	res, err := s.backend.Invoke(ctx, backend.Call{
		Method:    ds.Method,
		Path:      ds.Path,
		Arguments: args,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("tool call failed", map[string]any{
			"tool":  name,
			"code":  string(apperrors.CodeOf(err)),
			"error": err.Error(),
		})
		return zero, err
	}

	s.logger.Info("tool call completed", map[string]any{
		"tool":       name,
		"status":     res.StatusCode,
		"bytes":      len(res.Body),
		"request_id": res.RequestID,
	})

	body := string(res.Body)
	if !utf8.ValidString(body) {
		return zero, apperrors.New(apperrors.CodeBackend, "query data source", fmt.Sprintf("data source %q returned non-UTF-8 content (%s)", name, res.ContentType))
	}

	return contracts.QueryOutput{
		DataSource:  name,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Body:        body,
	}, nil
}
