package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1800agents/dsbridge/internal/apperrors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FASTAPI_URL",
		"DSBRIDGE_PROJECT_ROOT",
		"DSBRIDGE_LOG_PATH",
		"DSBRIDGE_DATASOURCES",
		"DSBRIDGE_PROBE_TIMEOUT",
		"DSBRIDGE_CALL_TIMEOUT",
		"DSBRIDGE_REPROBE_SCHEDULE",
		"DSBRIDGE_MCP_RAW_LOG",
		"DSBRIDGE_OTEL_ENDPOINT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("/opt/dsbridge/bin/dsbridge-mcp")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://localhost:8000" {
		t.Fatalf("expected default backend url, got %q", cfg.BackendURL)
	}
	if cfg.BackendURLRaw != "" {
		t.Fatalf("expected raw backend url to be empty, got %q", cfg.BackendURLRaw)
	}
	if cfg.ProjectRoot != "/opt/dsbridge" {
		t.Fatalf("expected project root from executable, got %q", cfg.ProjectRoot)
	}
	if cfg.LogPath != filepath.Join("/opt/dsbridge", "logs", "mcp_server.log") {
		t.Fatalf("unexpected log path %q", cfg.LogPath)
	}
	if cfg.DataSourcesPath != filepath.Join("/opt/dsbridge", "config", "datasources.yaml") {
		t.Fatalf("unexpected data sources path %q", cfg.DataSourcesPath)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Fatalf("expected 5s probe timeout, got %s", cfg.ProbeTimeout)
	}
	if cfg.CallTimeout != 60*time.Second {
		t.Fatalf("expected 60s call timeout, got %s", cfg.CallTimeout)
	}
	if cfg.RawLog {
		t.Fatal("expected raw log disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FASTAPI_URL", "https://backend.internal:9000/")
	t.Setenv("DSBRIDGE_PROJECT_ROOT", "/srv/project")
	t.Setenv("DSBRIDGE_LOG_PATH", "/var/log/dsbridge.log")
	t.Setenv("DSBRIDGE_PROBE_TIMEOUT", "250ms")
	t.Setenv("DSBRIDGE_MCP_RAW_LOG", "1")
	t.Setenv("DSBRIDGE_REPROBE_SCHEDULE", "@every 30s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://backend.internal:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BackendURL)
	}
	if cfg.BackendURLRaw != "https://backend.internal:9000/" {
		t.Fatalf("expected raw value preserved, got %q", cfg.BackendURLRaw)
	}
	if cfg.LogPath != "/var/log/dsbridge.log" {
		t.Fatalf("expected explicit log path, got %q", cfg.LogPath)
	}
	if cfg.DataSourcesPath != filepath.Join("/srv/project", "config", "datasources.yaml") {
		t.Fatalf("expected data sources under project root, got %q", cfg.DataSourcesPath)
	}
	if cfg.ProbeTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms probe timeout, got %s", cfg.ProbeTimeout)
	}
	if !cfg.RawLog {
		t.Fatal("expected raw log enabled")
	}
	if cfg.ReprobeSchedule != "@every 30s" {
		t.Fatalf("unexpected reprobe schedule %q", cfg.ReprobeSchedule)
	}
}

func TestLoadKeepsUnusableBackendURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("FASTAPI_URL", "localhost:8000")

	cfg, err := Load("/opt/dsbridge/bin/dsbridge-mcp")
	if err != nil {
		t.Fatalf("expected an unusable backend URL not to fail loading, got %v", err)
	}
	if cfg.BackendURL != "localhost:8000" {
		t.Fatalf("expected backend url kept as given, got %q", cfg.BackendURL)
	}

	err = cfg.ValidateBackendURL()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeConfig {
		t.Fatalf("expected %q, got %q", apperrors.CodeConfig, got)
	}
	if !strings.Contains(err.Error(), `unsupported scheme "localhost"`) {
		t.Fatalf("unexpected validation error %v", err)
	}
}

func TestValidateBackendURL(t *testing.T) {
	for _, raw := range []string{"http://localhost:8000", "https://backend.internal/api"} {
		if err := (Config{BackendURL: raw}).ValidateBackendURL(); err != nil {
			t.Fatalf("expected %q to be valid, got %v", raw, err)
		}
	}
	for _, raw := range []string{"ftp://backend.internal", "http://", "localhost:8000"} {
		if err := (Config{BackendURL: raw}).ValidateBackendURL(); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestFallbackLogPath(t *testing.T) {
	clearEnv(t)
	if got := FallbackLogPath("/opt/dsbridge/bin/dsbridge-mcp"); got != filepath.Join("/opt/dsbridge", "logs", "mcp_server.log") {
		t.Fatalf("unexpected fallback path %q", got)
	}

	t.Setenv("DSBRIDGE_PROJECT_ROOT", "/srv/project")
	if got := FallbackLogPath(""); got != filepath.Join("/srv/project", "logs", "mcp_server.log") {
		t.Fatalf("expected project root override, got %q", got)
	}

	t.Setenv("DSBRIDGE_LOG_PATH", "/var/log/dsbridge.log")
	if got := FallbackLogPath(""); got != "/var/log/dsbridge.log" {
		t.Fatalf("expected explicit log path, got %q", got)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("DSBRIDGE_PROBE_TIMEOUT", "soon")

	_, err := Load("/opt/dsbridge/bin/dsbridge-mcp")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestResolveAfterFlagOverride(t *testing.T) {
	cfg := Config{
		BackendURL:   "http://127.0.0.1:8000/",
		ProjectRoot:  "/srv/project",
		ProbeTimeout: time.Second,
		CallTimeout:  time.Second,
	}
	if err := cfg.Resolve(""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.BackendURL != "http://127.0.0.1:8000" {
		t.Fatalf("unexpected backend url %q", cfg.BackendURL)
	}

	cfg.ProbeTimeout = 0
	if err := cfg.Resolve(""); err == nil {
		t.Fatal("expected non-positive probe timeout to be rejected")
	}
}
