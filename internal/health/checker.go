package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Performance classes for a successful probe.
const (
	PerfFast       = "fast"
	PerfAcceptable = "acceptable"
	PerfSlow       = "slow"
)

// HealthProbeResult is the outcome of one endpoint probe. Success is always
// computable: a transport-level failure is recorded as ObservedStatus 0,
// which never matches an expected set, unless the probe is optional.
type HealthProbeResult struct {
	TargetPath       string `json:"targetPath"`
	Method           string `json:"method"`
	ExpectedStatuses []int  `json:"expectedStatuses"`
	ObservedStatus   int    `json:"observedStatus"`
	LatencyMs        int64  `json:"latencyMs"`
	Success          bool   `json:"success"`
	Optional         bool   `json:"optional"`
	Performance      string `json:"performance,omitempty"`
	ErrorDetail      string `json:"errorDetail,omitempty"`
}

// Skipped reports whether this probe failed but is excluded from failure
// accounting because the endpoint is optional.
func (r HealthProbeResult) Skipped() bool {
	return r.Optional && !r.matched()
}

func (r HealthProbeResult) matched() bool {
	for _, code := range r.ExpectedStatuses {
		if r.ObservedStatus == code {
			return true
		}
	}
	return false
}

// Summary aggregates one checker invocation.
type Summary struct {
	Total            int     `json:"total"`
	Passed           int     `json:"passed"`
	Failed           int     `json:"failed"`
	Skipped          int     `json:"skipped"`
	AverageLatencyMs float64 `json:"averageLatencyMs"`
	FastestPath      string  `json:"fastestPath,omitempty"`
	FastestMs        int64   `json:"fastestMs"`
	SlowestPath      string  `json:"slowestPath,omitempty"`
	SlowestMs        int64   `json:"slowestMs"`
}

// Checker probes the target application's endpoints independently of what
// the deployment platform self-reports: a platform may claim a build failed
// while the previous build is still serving traffic, and the checker's job
// is to establish ground truth.
type Checker struct {
	cfg    CheckerConfig
	client *http.Client
	log    *slog.Logger
}

func NewChecker(cfg CheckerConfig, log *slog.Logger) *Checker {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		log:    log.With("component", "health"),
	}
}

// Check probes every endpoint and returns per-probe results in the order
// the endpoints were given, plus the aggregate. Probes run concurrently;
// each writes only its own slot, and the aggregate is computed after all
// probes have resolved.
func (c *Checker) Check(ctx context.Context, endpoints []Endpoint) ([]HealthProbeResult, Summary) {
	results := make([]HealthProbeResult, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			results[i] = c.probe(ctx, ep)
		}(i, ep)
	}
	wg.Wait()

	summary := Summarize(results)
	c.log.Info("health check completed",
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"avg_latency_ms", summary.AverageLatencyMs)

	return results, summary
}

func (c *Checker) probe(ctx context.Context, ep Endpoint) HealthProbeResult {
	result := HealthProbeResult{
		TargetPath:       ep.Path,
		Method:           ep.Method,
		ExpectedStatuses: ep.Expect,
		Optional:         ep.Optional,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body *strings.Reader
	if ep.Body != "" {
		body = strings.NewReader(ep.Body)
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, c.cfg.BaseURL+ep.Path, body)
	if err != nil {
		result.ErrorDetail = err.Error()
		result.Success = ep.Optional
		return result
	}
	if ep.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		// Transport failure: status stays 0, non-matching unless optional.
		result.ErrorDetail = err.Error()
		result.Success = ep.Optional
		return result
	}
	defer resp.Body.Close()

	result.ObservedStatus = resp.StatusCode
	result.Success = result.matched() || ep.Optional
	if result.matched() {
		result.Performance = c.classify(result.LatencyMs)
	}

	return result
}

func (c *Checker) classify(latencyMs int64) string {
	latency := time.Duration(latencyMs) * time.Millisecond
	switch {
	case latency < c.cfg.FastThreshold:
		return PerfFast
	case latency < c.cfg.AcceptableThreshold:
		return PerfAcceptable
	default:
		return PerfSlow
	}
}

// Summarize computes the aggregate for a probe set. Optional probes that
// failed count as skipped, not failed, and are excluded from the latency
// average.
func Summarize(results []HealthProbeResult) Summary {
	summary := Summary{Total: len(results)}

	var latencySum int64
	var latencyCount int64

	for _, r := range results {
		switch {
		case r.Skipped():
			summary.Skipped++
			continue
		case r.matched():
			summary.Passed++
		default:
			summary.Failed++
		}

		latencySum += r.LatencyMs
		latencyCount++

		if summary.FastestPath == "" || r.LatencyMs < summary.FastestMs {
			summary.FastestPath = r.TargetPath
			summary.FastestMs = r.LatencyMs
		}
		if summary.SlowestPath == "" || r.LatencyMs > summary.SlowestMs {
			summary.SlowestPath = r.TargetPath
			summary.SlowestMs = r.LatencyMs
		}
	}

	if latencyCount > 0 {
		summary.AverageLatencyMs = float64(latencySum) / float64(latencyCount)
	}

	return summary
}
