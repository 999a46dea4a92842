package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChecker(baseURL string) *Checker {
	cfg := DefaultCheckerConfig(baseURL)
	cfg.RequestTimeout = 2 * time.Second
	return NewChecker(cfg, testLogger())
}

func TestCheckMatchesExpectedStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/api/auth/session":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Expect: []int{200}},
		{Path: "/api/auth/session", Method: "GET", Expect: []int{200, 401}},
		{Path: "/missing", Method: "GET", Expect: []int{200}},
	}

	results, summary := newTestChecker(srv.URL).Check(context.Background(), endpoints)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	// 401 on an auth-protected endpoint is success, not failure.
	assert.True(t, results[1].Success)
	assert.Equal(t, 401, results[1].ObservedStatus)
	assert.False(t, results[2].Success)

	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
}

func TestCheckOptionalFailureIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Expect: []int{200}},
		{Path: "/admin", Method: "GET", Expect: []int{200}, Optional: true},
	}

	results, summary := newTestChecker(srv.URL).Check(context.Background(), endpoints)

	assert.True(t, results[1].Success)
	assert.True(t, results[1].Skipped())
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)

	// Removing the optional probe leaves passed/failed unchanged.
	resultsWithout, summaryWithout := newTestChecker(srv.URL).Check(context.Background(), endpoints[:1])
	assert.Len(t, resultsWithout, 1)
	assert.Equal(t, summary.Passed, summaryWithout.Passed)
	assert.Equal(t, summary.Failed, summaryWithout.Failed)
}

func TestCheckTransportFailureYieldsStatusZero(t *testing.T) {
	// Point at a closed port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	endpoints := []Endpoint{{Path: "/", Method: "GET", Expect: []int{200}}}
	results, summary := newTestChecker(srv.URL).Check(context.Background(), endpoints)

	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ObservedStatus)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].ErrorDetail)
	assert.Equal(t, 1, summary.Failed)
}

func TestCheckSendsConfiguredBody(t *testing.T) {
	var gotBody string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotMethod = r.Method
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	endpoints := []Endpoint{{Path: "/api/generate", Method: "POST", Expect: []int{422}, Body: `{"prompt":""}`}}
	results, _ := newTestChecker(srv.URL).Check(context.Background(), endpoints)

	assert.True(t, results[0].Success)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, `{"prompt":""}`, gotBody)
}

func TestClassifyThresholds(t *testing.T) {
	c := NewChecker(CheckerConfig{
		BaseURL:             "http://unused",
		RequestTimeout:      time.Second,
		FastThreshold:       500 * time.Millisecond,
		AcceptableThreshold: 2 * time.Second,
	}, testLogger())

	assert.Equal(t, PerfFast, c.classify(120))
	assert.Equal(t, PerfAcceptable, c.classify(900))
	assert.Equal(t, PerfSlow, c.classify(4500))
}

func TestSummarizeLatencyBounds(t *testing.T) {
	results := []HealthProbeResult{
		{TargetPath: "/a", ObservedStatus: 200, ExpectedStatuses: []int{200}, LatencyMs: 100},
		{TargetPath: "/b", ObservedStatus: 200, ExpectedStatuses: []int{200}, LatencyMs: 300},
		{TargetPath: "/c", ObservedStatus: 200, ExpectedStatuses: []int{200}, LatencyMs: 200},
	}

	summary := Summarize(results)

	assert.Equal(t, "/a", summary.FastestPath)
	assert.Equal(t, int64(100), summary.FastestMs)
	assert.Equal(t, "/b", summary.SlowestPath)
	assert.Equal(t, int64(300), summary.SlowestMs)
	assert.InDelta(t, 200.0, summary.AverageLatencyMs, 0.01)
}

func TestLoadEndpointsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := `endpoints:
  - path: /
    expect: [200]
  - path: /api/generate
    method: POST
    expect: [400, 401]
    body: '{}'
  - path: /admin
    optional: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	endpoints, err := LoadEndpoints(path)
	require.NoError(t, err)
	require.Len(t, endpoints, 3)

	// Defaults fill in for omitted fields.
	assert.Equal(t, "GET", endpoints[0].Method)
	assert.Equal(t, []int{400, 401}, endpoints[1].Expect)
	assert.Equal(t, []int{200}, endpoints[2].Expect)
	assert.True(t, endpoints[2].Optional)
}

func TestLoadEndpointsMissingFile(t *testing.T) {
	_, err := LoadEndpoints("/nonexistent/endpoints.yaml")
	assert.Error(t, err)
}
