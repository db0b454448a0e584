package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1800agents/dsbridge/backend"
	"github.com/1800agents/dsbridge/internal/apperrors"
	"github.com/1800agents/dsbridge/internal/health"
	"github.com/1800agents/dsbridge/internal/registry"
)

func testCapabilities(t *testing.T) *registry.CapabilitySet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	content := `
datasources:
  - name: sales_db
    description: Query the sales warehouse
    kind: sql
  - name: regions
    description: List regions
    method: GET
    path: /datasources/regions
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write data sources: %v", err)
	}
	set, err := registry.NewRegistrar(path, &noopLogger{}).RegisterPreconfigured()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return set
}

func TestQueryDataSource_ForwardsDefinition(t *testing.T) {
	client := &stubBackend{res: backend.Result{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"rows":[]}`), RequestID: "r1"}}
	svc := NewService(client, &stubChecker{}, testCapabilities(t), &noopLogger{})

	out, err := svc.QueryDataSource(context.Background(), "regions", map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(client.calls))
	}
	call := client.calls[0]
	if call.Method != "GET" || call.Path != "/datasources/regions" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Arguments["limit"] != 5 {
		t.Fatalf("expected arguments forwarded, got %+v", call.Arguments)
	}
	if out.DataSource != "regions" || out.Body != `{"rows":[]}` || out.StatusCode != 200 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestQueryDataSource_UnknownName(t *testing.T) {
	client := &stubBackend{}
	svc := NewService(client, &stubChecker{}, testCapabilities(t), &noopLogger{})

	_, err := svc.QueryDataSource(context.Background(), "inventory", nil)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknown {
		t.Fatalf("expected code %q, got %q (%v)", apperrors.CodeUnknown, got, err)
	}
	if len(client.calls) != 0 {
		t.Fatal("expected no backend call for unknown data source")
	}
}

func TestQueryDataSource_BuiltinIsNotForwarded(t *testing.T) {
	client := &stubBackend{}
	svc := NewService(client, &stubChecker{}, testCapabilities(t), &noopLogger{})

	if _, err := svc.QueryDataSource(context.Background(), registry.BuiltinBackendHealth, nil); err == nil {
		t.Fatal("expected built-in to be rejected as a data source")
	}
	if len(client.calls) != 0 {
		t.Fatal("expected no backend call")
	}
}

func TestQueryDataSource_PropagatesBackendFailure(t *testing.T) {
	failure := &backend.RequestError{Err: errors.New("connection refused"), Operation: "invoke /tools/sales_db"}
	client := &stubBackend{err: failure}
	svc := NewService(client, &stubChecker{}, testCapabilities(t), &noopLogger{})

	_, err := svc.QueryDataSource(context.Background(), "sales_db", map[string]any{"query": "select 1"})
	if !errors.Is(err, failure) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(client.calls))
	}
}

func TestQueryDataSource_RejectsBinaryBody(t *testing.T) {
	client := &stubBackend{res: backend.Result{StatusCode: 200, ContentType: "application/octet-stream", Body: []byte{0xff, 0xfe}}}
	svc := NewService(client, &stubChecker{}, testCapabilities(t), &noopLogger{})

	_, err := svc.QueryDataSource(context.Background(), "sales_db", nil)
	if got := apperrors.CodeOf(err); got != apperrors.CodeBackend {
		t.Fatalf("expected code %q, got %q", apperrors.CodeBackend, got)
	}
}

func TestListDataSources(t *testing.T) {
	svc := NewService(&stubBackend{}, &stubChecker{}, testCapabilities(t), &noopLogger{})

	out := svc.ListDataSources(context.Background())
	if len(out.DataSources) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(out.DataSources))
	}
	if !out.DataSources[0].Builtin || out.DataSources[0].Name != registry.BuiltinListDataSources {
		t.Fatalf("expected built-in first, got %+v", out.DataSources[0])
	}
	if out.DataSources[2].Name != "sales_db" || out.DataSources[2].Kind != "sql" {
		t.Fatalf("unexpected data source entry %+v", out.DataSources[2])
	}
}

func TestBackendHealth(t *testing.T) {
	checker := &stubChecker{res: health.Result{StatusCode: 503, Detail: "starting", Latency: 12 * time.Millisecond, CheckedAt: time.Now()}}
	svc := NewService(&stubBackend{}, checker, testCapabilities(t), &noopLogger{})

	out := svc.BackendHealth(context.Background())
	if out.Reachable || out.StatusCode != 503 || out.Detail != "starting" || out.LatencyMS != 12 {
		t.Fatalf("unexpected health output %+v", out)
	}
	if out.BackendURL != "http://backend.test" {
		t.Fatalf("unexpected backend url %q", out.BackendURL)
	}
}

type stubBackend struct {
	res   backend.Result
	err   error
	calls []backend.Call
}

func (s *stubBackend) Invoke(_ context.Context, call backend.Call) (backend.Result, error) {
	s.calls = append(s.calls, call)
	return s.res, s.err
}

func (s *stubBackend) BaseURL() string {
	return "http://backend.test"
}

type stubChecker struct {
	res health.Result
}

func (s *stubChecker) Check(context.Context) health.Result {
	return s.res
}

type noopLogger struct{}

func (n *noopLogger) Info(string, map[string]any)  {}
func (n *noopLogger) Error(string, map[string]any) {}
