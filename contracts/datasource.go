package contracts

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const (
	maxNameLength        = 64
	maxDescriptionLength = 1024
	defaultPathPrefix    = "/tools/"
)

var capabilityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DataSourcesFile is the on-disk shape of the pre-configured data source list.
type DataSourcesFile struct {
	DataSources []DataSource `yaml:"datasources"`
}

// DataSource declares one backend-served capability exposed as an MCP tool.
type DataSource struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Kind        string         `yaml:"kind,omitempty" json:"kind,omitempty"`
	Path        string         `yaml:"path,omitempty" json:"path,omitempty"`
	Method      string         `yaml:"method,omitempty" json:"method,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

// Normalized returns a copy with defaults applied: POST to /tools/<name> with
// an open object schema.
func (d DataSource) Normalized() DataSource {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.Kind = strings.TrimSpace(d.Kind)
	d.Path = strings.TrimSpace(d.Path)
	if d.Path == "" {
		d.Path = defaultPathPrefix + d.Name
	}
	if !strings.HasPrefix(d.Path, "/") {
		d.Path = "/" + d.Path
	}
	d.Method = strings.ToUpper(strings.TrimSpace(d.Method))
	if d.Method == "" {
		d.Method = http.MethodPost
	}
	if d.InputSchema == nil {
		d.InputSchema = map[string]any{"type": "object"}
	}
	return d
}

// Validate checks a normalized definition.
func (d DataSource) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return fmt.Errorf("invalid name: %w", err)
	}
	if err := validateDescription(d.Description); err != nil {
		return fmt.Errorf("data source %q: invalid description: %w", d.Name, err)
	}
	if d.Method != http.MethodPost && d.Method != http.MethodGet {
		return fmt.Errorf("data source %q: method must be POST or GET, got %q", d.Name, d.Method)
	}
	if strings.ContainsAny(d.Path, "?#") {
		return fmt.Errorf("data source %q: path must not contain a query or fragment", d.Name)
	}
	if schemaType, _ := d.InputSchema["type"].(string); schemaType != "object" {
		return fmt.Errorf("data source %q: input_schema type must be \"object\"", d.Name)
	}
	return nil
}

// ValidateName checks a capability identifier.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("must be %d characters or fewer", maxNameLength)
	}
	if !capabilityNamePattern.MatchString(name) {
		return fmt.Errorf("%q must start with a lowercase letter and contain only lowercase letters, digits, and underscores", name)
	}
	return nil
}

func validateDescription(description string) error {
	if description == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("must be %d characters or fewer", maxDescriptionLength)
	}
	return nil
}

// DataSourceSummary is one entry of the list_datasources tool output.
type DataSourceSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind,omitempty"`
	Builtin     bool   `json:"builtin,omitempty"`
}

// ListDataSourcesOutput is the response payload for list_datasources.
type ListDataSourcesOutput struct {
	DataSources []DataSourceSummary `json:"datasources"`
}

// BackendHealthOutput is the response payload for backend_health.
type BackendHealthOutput struct {
	BackendURL string `json:"backend_url"`
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail"`
	LatencyMS  int64  `json:"latency_ms"`
}

// QueryOutput is the response payload for a backend-forwarded data source call.
type QueryOutput struct {
	DataSource  string `json:"datasource"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}
