// Package registry builds the capability set advertised by the MCP server.
//
// The set is assembled once, before the server is constructed, from the
// built-in capabilities and the pre-configured data source file. It cannot
// be modified afterwards.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/1800agents/dsbridge/contracts"
	"github.com/1800agents/dsbridge/internal/apperrors"
)

const (
	BuiltinListDataSources = "list_datasources"
	BuiltinBackendHealth   = "backend_health"
)

// Capability is one named, invocable unit exposed as an MCP tool.
type Capability struct {
	Name        string
	Description string
	InputSchema map[string]any
	Builtin     bool
	// DataSource is set for backend-forwarded capabilities only.
	DataSource contracts.DataSource
}

// CapabilitySet maps capability names to definitions, in registration order.
type CapabilitySet struct {
	byName map[string]Capability
	order  []string
}

func newCapabilitySet() *CapabilitySet {
	return &CapabilitySet{byName: make(map[string]Capability)}
}

func (s *CapabilitySet) add(c Capability) error {
	if _, exists := s.byName[c.Name]; exists {
		return fmt.Errorf("duplicate capability %q", c.Name)
	}
	s.byName[c.Name] = c
	s.order = append(s.order, c.Name)
	return nil
}

// Lookup returns the capability registered under name.
func (s *CapabilitySet) Lookup(name string) (Capability, bool) {
	if s == nil {
		return Capability{}, false
	}
	c, ok := s.byName[name]
	return c, ok
}

// Len reports the number of registered capabilities.
func (s *CapabilitySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// All returns the capabilities in registration order.
func (s *CapabilitySet) All() []Capability {
	if s == nil {
		return nil
	}
	out := make([]Capability, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Names returns the capability names sorted alphabetically.
func (s *CapabilitySet) Names() []string {
	if s == nil {
		return nil
	}
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

type Logger interface {
	Info(msg string, fields map[string]any)
}

// Registrar loads pre-configured data source definitions.
type Registrar struct {
	path     string
	logger   Logger
	readFile func(string) ([]byte, error)
}

func NewRegistrar(path string, logger Logger) *Registrar {
	return &Registrar{
		path:     path,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

// RegisterPreconfigured builds the complete capability set. A missing file
// yields the built-ins only; an unreadable or invalid file is an error.
func (r *Registrar) RegisterPreconfigured() (*CapabilitySet, error) {
	const op = "register preconfigured data sources"

	set := newCapabilitySet()
	for _, c := range builtins() {
		if err := set.add(c); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRegistration, op, err)
		}
	}

	sources, err := r.load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRegistration, op, err)
	}

	for i, ds := range sources {
		ds = ds.Normalized()
		if err := ds.Validate(); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRegistration, op, fmt.Errorf("%s: entry %d: %w", r.path, i, err))
		}
		if err := set.add(Capability{
			Name:        ds.Name,
			Description: ds.Description,
			InputSchema: ds.InputSchema,
			DataSource:  ds,
		}); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRegistration, op, fmt.Errorf("%s: %w", r.path, err))
		}
	}

	r.logger.Info(fmt.Sprintf("Registered %d capabilities", set.Len()), map[string]any{
		"datasources": len(sources),
		"path":        r.path,
	})
	return set, nil
}

func (r *Registrar) load() ([]contracts.DataSource, error) {
	if r.path == "" {
		r.logger.Info("No data source file configured; registering built-in capabilities only", nil)
		return nil, nil
	}

	data, err := r.readFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("No data source definitions found; registering built-in capabilities only", map[string]any{"path": r.path})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var file contracts.DataSourcesFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.path, err)
	}
	return file.DataSources, nil
}

func builtins() []Capability {
	return []Capability{
		{
			Name:        BuiltinListDataSources,
			Description: "List the data sources this server can query, with their descriptions.",
			InputSchema: map[string]any{"type": "object", "additionalProperties": false},
			Builtin:     true,
		},
		{
			Name:        BuiltinBackendHealth,
			Description: "Check whether the data backend is currently reachable. Use this when data source calls fail.",
			InputSchema: map[string]any{"type": "object", "additionalProperties": false},
			Builtin:     true,
		},
	}
}
