package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/1800agents/dsbridge/internal/apperrors"
)

const (
	// BackendURLEnv names the variable holding the backend base URL.
	BackendURLEnv = "FASTAPI_URL"

	defaultBackendURL  = "http://localhost:8000"
	defaultLogFile     = "mcp_server.log"
	defaultSourcesFile = "datasources.yaml"
)

// Config captures the immutable bootstrap settings for the MCP process.
type Config struct {
	BackendURL      string        `env:"FASTAPI_URL"               envDefault:"http://localhost:8000"`
	ProjectRoot     string        `env:"DSBRIDGE_PROJECT_ROOT"`
	LogPath         string        `env:"DSBRIDGE_LOG_PATH"`
	DataSourcesPath string        `env:"DSBRIDGE_DATASOURCES"`
	ProbeTimeout    time.Duration `env:"DSBRIDGE_PROBE_TIMEOUT"    envDefault:"5s"`
	CallTimeout     time.Duration `env:"DSBRIDGE_CALL_TIMEOUT"     envDefault:"60s"`
	ReprobeSchedule string        `env:"DSBRIDGE_REPROBE_SCHEDULE"`
	RawLog          bool          `env:"DSBRIDGE_MCP_RAW_LOG"`
	OTelEndpoint    string        `env:"DSBRIDGE_OTEL_ENDPOINT"`

	// BackendURLRaw is the unmodified FASTAPI_URL value, empty when unset.
	BackendURLRaw string
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the environment and resolves path defaults relative to the
// project root. executable is the running binary's path and is only used
// when DSBRIDGE_PROJECT_ROOT is unset.
func Load(executable string) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, apperrors.Wrap(apperrors.CodeConfig, "load config", err)
	}
	cfg.BackendURLRaw = os.Getenv(BackendURLEnv)

	if err := cfg.Resolve(executable); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve fills derived defaults and validates the result. It is safe to
// call again after flags override individual fields. The backend URL is not
// validated here: an unusable URL only makes the backend unreachable, see
// ValidateBackendURL.
func (c *Config) Resolve(executable string) error {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	if c.BackendURL == "" {
		c.BackendURL = defaultBackendURL
	}

	if strings.TrimSpace(c.ProjectRoot) == "" {
		c.ProjectRoot = projectRootFromExecutable(executable)
	}
	c.ProjectRoot = filepath.Clean(c.ProjectRoot)

	if strings.TrimSpace(c.LogPath) == "" {
		c.LogPath = filepath.Join(c.ProjectRoot, "logs", defaultLogFile)
	}
	if strings.TrimSpace(c.DataSourcesPath) == "" {
		c.DataSourcesPath = filepath.Join(c.ProjectRoot, "config", defaultSourcesFile)
	}

	if c.ProbeTimeout <= 0 {
		return apperrors.New(apperrors.CodeConfig, "load config", "probe timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return apperrors.New(apperrors.CodeConfig, "load config", "call timeout must be positive")
	}
	return nil
}

// ValidateBackendURL reports whether BackendURL is an absolute http(s) URL.
func (c Config) ValidateBackendURL() error {
	return validateBackendURL(c.BackendURL)
}

// FallbackLogPath returns the log file location derived from the environment
// alone, for reporting failures that happen before a Config exists.
func FallbackLogPath(executable string) string {
	if p := strings.TrimSpace(os.Getenv("DSBRIDGE_LOG_PATH")); p != "" {
		return p
	}
	root := strings.TrimSpace(os.Getenv("DSBRIDGE_PROJECT_ROOT"))
	if root == "" {
		root = projectRootFromExecutable(executable)
	}
	return filepath.Join(filepath.Clean(root), "logs", defaultLogFile)
}

func validateBackendURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConfig, "parse backend URL", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperrors.New(apperrors.CodeConfig, "parse backend URL", fmt.Sprintf("unsupported scheme %q in %s", parsed.Scheme, BackendURLEnv))
	}
	if parsed.Host == "" {
		return apperrors.New(apperrors.CodeConfig, "parse backend URL", fmt.Sprintf("missing host in %s", BackendURLEnv))
	}
	return nil
}

// projectRootFromExecutable treats the binary as living in <root>/bin.
func projectRootFromExecutable(executable string) string {
	if strings.TrimSpace(executable) == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(executable); err == nil {
		executable = resolved
	}
	return filepath.Dir(filepath.Dir(executable))
}
