package health

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/1800agents/dsbridge/internal/apperrors"
)

// Monitor re-probes the backend on a cron schedule after startup. It only
// logs state changes; it never blocks tool calls or trips a breaker.
type Monitor struct {
	prober *Prober
	logger Logger
	cron   *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	last   State
}

// NewMonitor validates schedule (standard cron or @every descriptors) and
// returns a stopped monitor. initial seeds the last known state so the first
// tick only logs if it differs from the startup probe.
func NewMonitor(prober *Prober, schedule string, initial State, logger Logger) (*Monitor, error) {
	if prober == nil {
		return nil, errors.New("health: monitor prober is nil")
	}

	m := &Monitor{
		prober: prober,
		logger: logger,
		last:   initial,
	}
	m.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := m.cron.AddFunc(schedule, m.tick); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfig, "parse reprobe schedule", err)
	}
	return m, nil
}

// Start begins scheduled probing until ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.cron.Start()
}

// Stop halts scheduling and waits for a running probe to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-m.cron.Stop().Done()
}

// State returns the last observed backend state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) tick() {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	m.observe(m.prober.Check(ctx))
}

func (m *Monitor) observe(res Result) {
	state := res.State()

	m.mu.Lock()
	previous := m.last
	m.last = state
	m.mu.Unlock()

	if state == previous {
		return
	}
	if state == StateHealthy {
		m.logger.Info("Backend is reachable again", map[string]any{
			"status":     res.StatusCode,
			"latency_ms": res.Latency.Milliseconds(),
		})
		return
	}
	m.logger.Warn(fmt.Sprintf("Backend became unreachable: %s", describe(res)), nil)
}

// cronLogger reports scheduler errors, such as a recovered panic in a tick.
type cronLogger struct {
	logger Logger
}

func (cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, _ ...any) {
	l.logger.Warn(fmt.Sprintf("Backend re-probe %s: %v", msg, err), nil)
}

func describe(res Result) string {
	if res.StatusCode != 0 {
		return fmt.Sprintf("status %d", res.StatusCode)
	}
	return res.Detail
}
