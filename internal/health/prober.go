// Package health checks whether the tool-execution backend is reachable.
//
// Health is advisory: results are logged and reported to callers, and never
// gate startup or individual tool calls.
package health

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/1800agents/dsbridge/backend"
)

const (
	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 5 * time.Second

	maxLoggedBody = 512
)

// State summarizes a probe outcome.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Result is one probe outcome. StatusCode is zero when no HTTP response was
// received.
type Result struct {
	Reachable  bool
	StatusCode int
	Detail     string
	Latency    time.Duration
	CheckedAt  time.Time
}

// State maps the result onto a health state.
func (r Result) State() State {
	if r.CheckedAt.IsZero() {
		return StateUnknown
	}
	if r.Reachable {
		return StateHealthy
	}
	return StateUnhealthy
}

type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
}

type healthChecker interface {
	Health(ctx context.Context) (backend.HealthResponse, error)
}

// Prober issues one bounded /health request per call. It never retries.
type Prober struct {
	client  healthChecker
	timeout time.Duration
	logger  Logger
	now     func() time.Time
}

func NewProber(client healthChecker, timeout time.Duration, logger Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client:  client,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Check runs a single probe without logging.
func (p *Prober) Check(ctx context.Context) Result {
	started := p.now()
	if p.client == nil {
		return Result{Detail: "backend client is not configured", CheckedAt: started}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.client.Health(probeCtx)
	latency := p.now().Sub(started)
	if err != nil {
		return Result{Detail: err.Error(), Latency: latency, CheckedAt: started}
	}

	return Result{
		Reachable:  res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
		Detail:     truncate(res.Body, maxLoggedBody),
		Latency:    latency,
		CheckedAt:  started,
	}
}

// Probe runs a single probe and logs the outcome. Unreachable results are
// logged as warnings.
func (p *Prober) Probe(ctx context.Context) Result {
	p.logger.Info("Testing FastAPI connection...", map[string]any{"timeout": p.timeout.String()})

	res := p.Check(ctx)
	switch {
	case res.Reachable:
		p.logger.Info(fmt.Sprintf("FastAPI is healthy: %s", res.Detail), map[string]any{
			"status":     res.StatusCode,
			"latency_ms": res.Latency.Milliseconds(),
		})
		return res
	case res.StatusCode != 0:
		p.logger.Warn(fmt.Sprintf("FastAPI returned status %d", res.StatusCode), nil)
	default:
		p.logger.Warn(fmt.Sprintf("FastAPI connection failed: %s", res.Detail), nil)
	}
	p.logger.Info("Tool calls will fail until backend is available", nil)
	return res
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
