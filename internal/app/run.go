package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1800agents/dsbridge/backend"
	"github.com/1800agents/dsbridge/internal/apperrors"
	"github.com/1800agents/dsbridge/internal/config"
	"github.com/1800agents/dsbridge/internal/health"
	"github.com/1800agents/dsbridge/internal/logging"
	"github.com/1800agents/dsbridge/internal/mcp"
	"github.com/1800agents/dsbridge/internal/registry"
	"github.com/1800agents/dsbridge/internal/telemetry"
	"github.com/1800agents/dsbridge/internal/tool"
)

const (
	serviceName          = "dsbridge-mcp"
	bannerSeparator      = "============================================================"
	tracingFlushDeadline = 5 * time.Second
)

// Stage is one step of the bootstrap sequence.
type Stage string

const (
	// StageLoadConfig precedes the bootstrap proper; its failures are
	// reported through ReportFatal by the entry point.
	StageLoadConfig           Stage = "LOAD_CONFIG"
	StageInitLogging          Stage = "INIT_LOGGING"
	StageProbeBackend         Stage = "PROBE_BACKEND"
	StageRegisterCapabilities Stage = "REGISTER_CAPABILITIES"
	StageConstructServer      Stage = "CONSTRUCT_SERVER"
	StageAttachTransport      Stage = "ATTACH_TRANSPORT"
	StageServing              Stage = "SERVING"
	StageShutdown             Stage = "SHUTDOWN"
	StageFatalExit            Stage = "FATAL_EXIT"
)

// StageError reports the bootstrap stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExitCode maps the result of Run onto a process exit status.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// stageBreadcrumbs are logged on entry so a hung stage is visible in the log.
var stageBreadcrumbs = map[Stage]string{
	StageRegisterCapabilities: "Registering pre-configured data sources...",
	StageConstructServer:      "Creating MCP server...",
	StageAttachTransport:      "Starting stdio server...",
	StageServing:              "Starting message loop...",
}

// ReportFatal logs err as a fatal failure of stage, followed by its trace, and
// returns it as a *StageError.
func ReportFatal(logger *logging.Logger, stage Stage, err error) *StageError {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		stageErr = &StageError{Stage: stage, Err: err}
	}
	logger.Fatal(stageErr.Error(), nil)
	logger.Error("Diagnostic trace:\n"+apperrors.Trace(stageErr.Err), nil)
	return stageErr
}

// Options configures a single Run.
type Options struct {
	Config     config.Config
	Version    string
	Executable string

	// Logger defaults to a logger writing to stderr and Config.LogPath.
	Logger *logging.Logger
	// Transport defaults to stdio.
	Transport sdkmcp.Transport
	// HTTPClient overrides the backend transport.
	HTTPClient backend.HTTPClient
	// OnTransition observes every stage change.
	OnTransition func(from, to Stage)
}

type runner struct {
	opts   Options
	cfg    config.Config
	logger *logging.Logger
	stage  Stage
}

// Run executes the bootstrap sequence and serves until the client disconnects
// or ctx is cancelled. Both end in SHUTDOWN and return nil. Any stage failure
// is logged with its trace and returned as a *StageError.
func Run(ctx context.Context, opts Options) error {
	r := &runner{opts: opts, cfg: opts.Config}

	r.enter(StageInitLogging)
	r.logger = opts.Logger
	if r.logger == nil {
		r.logger = logging.New(r.cfg.LogPath)
		defer r.logger.Close()
	}

	err := r.run(ctx)
	if err == nil {
		return nil
	}

	failed := r.stage
	r.enter(StageFatalExit)
	return ReportFatal(r.logger, failed, err)
}

func (r *runner) run(ctx context.Context) error {
	r.banner()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, r.version(), r.cfg.OTelEndpoint)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Tracing disabled: %v", err), nil)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushDeadline)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			r.logger.Warn(fmt.Sprintf("Tracing flush failed: %v", err), nil)
		}
	}()

	var client backendClient
	var prober *health.Prober
	var initial health.Result
	if err := r.step(StageProbeBackend, func() error {
		client, prober = r.newBackend()
		initial = prober.Probe(ctx)
		return nil
	}); err != nil {
		return err
	}

	var set *registry.CapabilitySet
	if err := r.step(StageRegisterCapabilities, func() error {
		var err error
		set, err = registry.NewRegistrar(r.cfg.DataSourcesPath, r.logger).RegisterPreconfigured()
		return err
	}); err != nil {
		return err
	}

	var server *mcp.Server
	if err := r.step(StageConstructServer, func() error {
		service := tool.NewService(client, prober, set, r.logger)
		opts := []mcp.Option{mcp.WithVersion(r.version())}
		if r.cfg.RawLog {
			opts = append(opts, mcp.WithRawLog(r.logger.ConsoleWriter()))
		}
		var err error
		server, err = mcp.NewServer(set, service, r.logger, opts...)
		if err != nil {
			return err
		}
		r.logger.Info(fmt.Sprintf("MCP server constructed with %d tools", server.ToolCount()), map[string]any{
			"tools": strings.Join(set.Names(), ","),
		})
		return nil
	}); err != nil {
		return err
	}

	var session *mcp.Session
	if err := r.step(StageAttachTransport, func() error {
		transport := r.opts.Transport
		if transport == nil {
			transport = &sdkmcp.StdioTransport{}
		}
		var err error
		session, err = server.Attach(ctx, transport)
		return err
	}); err != nil {
		return err
	}
	r.logger.Info("MCP Server ready - waiting for client messages", nil)

	monitor := r.newMonitor(prober, initial.State())

	if err := r.step(StageServing, func() error {
		if monitor != nil {
			monitor.Start(ctx)
			defer monitor.Stop()
		}
		return session.Wait(ctx)
	}); err != nil {
		return err
	}

	r.enter(StageShutdown)
	if ctx.Err() != nil {
		r.logger.Info("Server stopped by user (interrupt)", nil)
	} else {
		r.logger.Info("Transport closed", nil)
	}
	r.logger.Info("Server shutdown complete", nil)
	return nil
}

// step enters stage and runs fn, converting errors and panics into a
// *StageError for that stage.
func (r *runner) step(stage Stage, fn func() error) (err error) {
	r.enter(stage)
	defer func() {
		if rec := recover(); rec != nil {
			err = &StageError{
				Stage: stage,
				Err: apperrors.New(apperrors.CodeInternal, strings.ToLower(string(stage)),
					fmt.Sprintf("panic: %v\n%s", rec, debug.Stack())),
			}
		}
	}()
	if err := fn(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

func (r *runner) enter(next Stage) {
	prev := r.stage
	r.stage = next
	if msg, ok := stageBreadcrumbs[next]; ok && r.logger != nil {
		r.logger.Info(msg, nil)
	}
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(prev, next)
	}
}

type backendClient interface {
	Health(ctx context.Context) (backend.HealthResponse, error)
	Invoke(ctx context.Context, call backend.Call) (backend.Result, error)
	BaseURL() string
}

// newBackend builds the backend client and prober. An unusable backend URL is
// advisory: the probe and every tool call report it as a connection failure.
func (r *runner) newBackend() (backendClient, *health.Prober) {
	var client backendClient
	c, err := r.buildClient()
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Backend client unavailable: %v", err), nil)
		client = unavailableBackend{baseURL: r.cfg.BackendURL, err: err}
	} else {
		client = c
	}
	return client, health.NewProber(client, r.cfg.ProbeTimeout, r.logger)
}

func (r *runner) buildClient() (*backend.Client, error) {
	if err := r.cfg.ValidateBackendURL(); err != nil {
		return nil, err
	}
	opts := []backend.Option{backend.WithRequestTimeout(r.cfg.CallTimeout)}
	if r.opts.HTTPClient != nil {
		opts = append(opts, backend.WithHTTPClient(r.opts.HTTPClient))
	}
	return backend.NewClient(r.cfg.BackendURL, opts...)
}

// unavailableBackend stands in for a client that could not be built.
type unavailableBackend struct {
	baseURL string
	err     error
}

func (u unavailableBackend) Health(context.Context) (backend.HealthResponse, error) {
	return backend.HealthResponse{}, &backend.RequestError{Err: u.err, Operation: "health check"}
}

func (u unavailableBackend) Invoke(_ context.Context, call backend.Call) (backend.Result, error) {
	return backend.Result{}, &backend.RequestError{Err: u.err, Operation: "invoke " + call.Path}
}

func (u unavailableBackend) BaseURL() string {
	return u.baseURL
}

func (r *runner) newMonitor(prober *health.Prober, initial health.State) *health.Monitor {
	schedule := strings.TrimSpace(r.cfg.ReprobeSchedule)
	if schedule == "" {
		return nil
	}
	monitor, err := health.NewMonitor(prober, schedule, initial, r.logger)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Backend re-probe disabled: %v", err), nil)
		return nil
	}
	r.logger.Info("Backend re-probe enabled", map[string]any{"schedule": schedule})
	return monitor
}

func (r *runner) banner() {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = fmt.Sprintf("unavailable (%v)", err)
	}
	backendEnv := r.cfg.BackendURLRaw
	if backendEnv == "" {
		backendEnv = "not set"
	}

	r.logger.Info(bannerSeparator, nil)
	r.logger.Info("MCP Server starting...", nil)
	r.logger.Info("Boot ID: "+uuid.NewString(), nil)
	r.logger.Info("Version: "+r.version(), nil)
	r.logger.Info("Executable: "+r.opts.Executable, nil)
	r.logger.Info("Go version: "+runtime.Version(), nil)
	r.logger.Info("Project root: "+r.cfg.ProjectRoot, nil)
	r.logger.Info("Working directory: "+cwd, nil)
	r.logger.Info("Log file: "+r.logger.Path(), nil)
	r.logger.Info("Data source file: "+r.cfg.DataSourcesPath, nil)
	r.logger.Info(config.BackendURLEnv+": "+backendEnv, nil)
	r.logger.Info("Using FastAPI URL: "+r.cfg.BackendURL, nil)
	r.logger.Info(bannerSeparator, nil)
}

func (r *runner) version() string {
	if r.opts.Version == "" {
		return "dev"
	}
	return r.opts.Version
}
