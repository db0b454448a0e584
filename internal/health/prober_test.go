package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/1800agents/dsbridge/backend"
)

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Info(msg string, _ map[string]any) {
	l.lines = append(l.lines, "INFO "+msg)
}

func (l *recordingLogger) Warn(msg string, _ map[string]any) {
	l.lines = append(l.lines, "WARNING "+msg)
}

func (l *recordingLogger) joined() string {
	return strings.Join(l.lines, "\n")
}

type stubChecker struct {
	res   backend.HealthResponse
	err   error
	calls int
}

func (s *stubChecker) Health(context.Context) (backend.HealthResponse, error) {
	s.calls++
	return s.res, s.err
}

func TestProbe_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	client, err := backend.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	logger := &recordingLogger{}

	res := NewProber(client, time.Second, logger).Probe(context.Background())

	if !res.Reachable || res.StatusCode != http.StatusOK {
		t.Fatalf("expected reachable 200, got %+v", res)
	}
	if res.State() != StateHealthy {
		t.Fatalf("expected healthy state, got %s", res.State())
	}
	if !strings.Contains(logger.joined(), `INFO FastAPI is healthy: {"status":"healthy"}`) {
		t.Fatalf("expected healthy log line, got:\n%s", logger.joined())
	}
	if strings.Contains(logger.joined(), "WARNING") {
		t.Fatalf("expected no warnings, got:\n%s", logger.joined())
	}
}

func TestProbe_ServiceUnavailableIsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := backend.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	logger := &recordingLogger{}

	res := NewProber(client, time.Second, logger).Probe(context.Background())

	if res.Reachable {
		t.Fatalf("expected unreachable result, got %+v", res)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", res.StatusCode)
	}
	if !strings.Contains(logger.joined(), "WARNING FastAPI returned status 503") {
		t.Fatalf("expected warning with status, got:\n%s", logger.joined())
	}
	if !strings.Contains(logger.joined(), "Tool calls will fail until backend is available") {
		t.Fatalf("expected follow-up hint, got:\n%s", logger.joined())
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := backend.NewClient(url)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	logger := &recordingLogger{}

	res := NewProber(client, time.Second, logger).Probe(context.Background())

	if res.Reachable || res.StatusCode != 0 {
		t.Fatalf("expected connection failure, got %+v", res)
	}
	if !strings.Contains(logger.joined(), "WARNING FastAPI connection failed:") {
		t.Fatalf("expected connection warning, got:\n%s", logger.joined())
	}
}

func TestProbe_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := backend.NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	started := time.Now()
	res := NewProber(client, 50*time.Millisecond, &recordingLogger{}).Probe(context.Background())
	elapsed := time.Since(started)

	if res.Reachable {
		t.Fatalf("expected timeout to be unreachable, got %+v", res)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("probe exceeded its timeout: %s", elapsed)
	}
}

func TestProbe_DoesNotRetry(t *testing.T) {
	checker := &stubChecker{err: errors.New("connection refused")}

	NewProber(checker, time.Second, &recordingLogger{}).Probe(context.Background())

	if checker.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", checker.calls)
	}
}

func TestProbe_NilClientIsUnreachable(t *testing.T) {
	logger := &recordingLogger{}

	res := NewProber(nil, time.Second, logger).Probe(context.Background())

	if res.Reachable {
		t.Fatal("expected nil client to be unreachable")
	}
	if !strings.Contains(logger.joined(), "WARNING") {
		t.Fatalf("expected warning, got:\n%s", logger.joined())
	}
}

func TestCheck_TruncatesLongBodies(t *testing.T) {
	checker := &stubChecker{res: backend.HealthResponse{StatusCode: 200, Body: strings.Repeat("a", 2000)}}

	res := NewProber(checker, time.Second, &recordingLogger{}).Check(context.Background())

	if len(res.Detail) != maxLoggedBody+3 {
		t.Fatalf("expected truncated detail, got %d bytes", len(res.Detail))
	}
}

func TestCheck_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxLoggedBody-1) + "é" + strings.Repeat("b", 10)
	checker := &stubChecker{res: backend.HealthResponse{StatusCode: 200, Body: body}}

	res := NewProber(checker, time.Second, &recordingLogger{}).Check(context.Background())

	if !utf8.ValidString(res.Detail) {
		t.Fatalf("expected valid UTF-8 detail, got %q", res.Detail[len(res.Detail)-8:])
	}
	if want := strings.Repeat("a", maxLoggedBody-1) + "..."; res.Detail != want {
		t.Fatalf("expected cut before the split rune, got %d bytes", len(res.Detail))
	}
}

func TestResultStateUnknownBeforeCheck(t *testing.T) {
	if got := (Result{}).State(); got != StateUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func ExampleResult_State() {
	res := Result{Reachable: true, StatusCode: 200, CheckedAt: time.Unix(0, 0)}
	fmt.Println(res.State())
	// Output: healthy
}
