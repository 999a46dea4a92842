package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-studio/deploy-monitor/internal/deploy"
	"github.com/lumina-studio/deploy-monitor/internal/health"
)

func passingProbe(path string, latencyMs int64) health.HealthProbeResult {
	return health.HealthProbeResult{
		TargetPath:       path,
		Method:           "GET",
		ExpectedStatuses: []int{200},
		ObservedStatus:   200,
		LatencyMs:        latencyMs,
		Success:          true,
	}
}

func failingProbe(path string, observed int) health.HealthProbeResult {
	return health.HealthProbeResult{
		TargetPath:       path,
		Method:           "GET",
		ExpectedStatuses: []int{200},
		ObservedStatus:   observed,
		LatencyMs:        50,
	}
}

func readyDeployments(n int) []deploy.DeploymentRecord {
	records := make([]deploy.DeploymentRecord, n)
	for i := range records {
		records[i] = deploy.DeploymentRecord{ID: "d", Status: deploy.StatusReady}
	}
	return records
}

func fiveProbes(latencyMs int64) []health.HealthProbeResult {
	return []health.HealthProbeResult{
		passingProbe("/", latencyMs),
		passingProbe("/api/health", latencyMs),
		passingProbe("/api/auth/session", latencyMs),
		passingProbe("/api/generate", latencyMs),
		passingProbe("/admin", latencyMs),
	}
}

func alertTypes(report ComprehensiveReport) []AlertType {
	types := make([]AlertType, 0, len(report.Alerts))
	for _, a := range report.Alerts {
		types = append(types, a.Type)
	}
	return types
}

func TestHealthyDeployScenario(t *testing.T) {
	report := Analyze(readyDeployments(3), fiveProbes(100), DefaultThresholds())

	assert.Equal(t, StatusHealthy, report.OverallStatus)
	assert.Equal(t, SeverityLow, report.Severity)
	assert.Empty(t, report.Alerts)
	assert.Equal(t, 3, report.DeploymentSummary.Successful)
	assert.Equal(t, 5, report.HealthSummary.Passed)
}

func TestFalseNegativeDeployScenario(t *testing.T) {
	deployments := []deploy.DeploymentRecord{{ID: "d1", Status: deploy.StatusError}}
	probes := append(fiveProbes(100)[:4], failingProbe("/admin", 500))

	report := Analyze(deployments, probes, DefaultThresholds())

	assert.Equal(t, StatusWarning, report.OverallStatus)
	require.Len(t, report.Alerts, 1)
	assert.NotEqual(t, AlertSiteDown, report.Alerts[0].Type)

	// Exactly one recommendation flags the status/reality mismatch.
	mismatches := 0
	for _, rec := range report.Recommendations {
		if rec.Category == "deployment_status" {
			mismatches++
		}
	}
	assert.Equal(t, 1, mismatches)
}

func TestRealOutageScenario(t *testing.T) {
	deployments := []deploy.DeploymentRecord{{ID: "d1", Status: deploy.StatusError}}
	probes := []health.HealthProbeResult{
		failingProbe("/", 0),
		failingProbe("/api/health", 0),
		failingProbe("/api/auth/session", 0),
		failingProbe("/api/generate", 0),
		failingProbe("/admin", 0),
	}

	report := Analyze(deployments, probes, DefaultThresholds())

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.Equal(t, SeverityCritical, report.Severity)
	assert.Contains(t, alertTypes(report), AlertSiteDown)
}

func TestSlowButUpScenario(t *testing.T) {
	report := Analyze(readyDeployments(1), fiveProbes(6000), DefaultThresholds())

	assert.Equal(t, StatusWarning, report.OverallStatus)
	assert.Equal(t, SeverityMedium, report.Severity)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, AlertPerformanceDegradation, report.Alerts[0].Type)
}

func TestPersistentFailurePattern(t *testing.T) {
	deployments := []deploy.DeploymentRecord{
		{ID: "d5", Status: deploy.StatusError},
		{ID: "d4", Status: deploy.StatusError},
		{ID: "d3", Status: deploy.StatusError},
		{ID: "d2", Status: deploy.StatusReady},
	}

	report := Analyze(deployments, fiveProbes(100), DefaultThresholds())

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.True(t, report.Severity.AtLeast(SeverityHigh))
	assert.Contains(t, alertTypes(report), AlertDeploymentFailures)

	// Repeated build errors surface a build-pipeline recommendation.
	categories := make([]string, 0)
	for _, rec := range report.Recommendations {
		categories = append(categories, rec.Category)
	}
	assert.Contains(t, categories, "build_pipeline")
}

func TestSingleFailureIsNotAPattern(t *testing.T) {
	// One failed build in an otherwise empty window must not trip the
	// persistent-failure rule on its own.
	deployments := []deploy.DeploymentRecord{{ID: "d1", Status: deploy.StatusError}}

	report := Analyze(deployments, fiveProbes(100), DefaultThresholds())

	assert.Equal(t, StatusWarning, report.OverallStatus)
	assert.NotEqual(t, SeverityCritical, report.Severity)
}

func TestHealthSuccessFloorRaisesToCritical(t *testing.T) {
	probes := []health.HealthProbeResult{
		passingProbe("/", 100),
		failingProbe("/api/health", 500),
		failingProbe("/api/auth/session", 500),
		failingProbe("/api/generate", 500),
	}

	report := Analyze(readyDeployments(3), probes, DefaultThresholds())

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.True(t, report.Severity.AtLeast(SeverityHigh))
	assert.Contains(t, alertTypes(report), AlertAPIHealthIssues)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	deployments := []deploy.DeploymentRecord{
		{ID: "d2", Status: deploy.StatusError},
		{ID: "d1", Status: deploy.StatusReady},
	}
	probes := append(fiveProbes(3000)[:3], failingProbe("/x", 401), failingProbe("/y", 401))

	first := Analyze(deployments, probes, DefaultThresholds())
	for i := 0; i < 10; i++ {
		again := Analyze(deployments, probes, DefaultThresholds())
		assert.Equal(t, first.OverallStatus, again.OverallStatus)
		assert.Equal(t, first.Severity, again.Severity)
		assert.Equal(t, alertTypes(first), alertTypes(again))
		assert.Equal(t, first.Recommendations, again.Recommendations)
	}
}

func TestSeverityIsMonotonic(t *testing.T) {
	// Start from an already-critical situation and add more negative
	// signals; severity must never decrease.
	deployments := []deploy.DeploymentRecord{{ID: "d1", Status: deploy.StatusError}}
	downProbes := []health.HealthProbeResult{failingProbe("/", 0)}

	critical := Analyze(deployments, downProbes, DefaultThresholds())
	require.Equal(t, SeverityCritical, critical.Severity)

	moreFailures := append(append([]health.HealthProbeResult{}, downProbes...),
		failingProbe("/api/health", 0),
		failingProbe("/api/generate", 503),
	)
	report := Analyze(deployments, moreFailures, DefaultThresholds())
	assert.True(t, report.Severity.AtLeast(critical.Severity))
	assert.Equal(t, StatusCritical, report.OverallStatus)
}

func TestLatencyRuleCannotDowngradeCritical(t *testing.T) {
	// Success rate below the floor makes the report critical/high; the
	// medium latency rule fires afterwards and must only add its alert.
	probes := []health.HealthProbeResult{
		{TargetPath: "/", ExpectedStatuses: []int{200}, ObservedStatus: 200, LatencyMs: 9000, Success: true},
		failingProbe("/api/health", 500),
		failingProbe("/api/auth/session", 500),
		failingProbe("/api/generate", 500),
	}

	report := Analyze(readyDeployments(1), probes, DefaultThresholds())

	assert.Equal(t, StatusCritical, report.OverallStatus)
	assert.Equal(t, SeverityHigh, report.Severity)
	types := alertTypes(report)
	assert.Contains(t, types, AlertAPIHealthIssues)
	assert.Contains(t, types, AlertPerformanceDegradation)
}

func TestOptionalProbeExclusion(t *testing.T) {
	base := fiveProbes(100)
	withOptional := append(append([]health.HealthProbeResult{}, base...), health.HealthProbeResult{
		TargetPath:       "/flaky",
		ExpectedStatuses: []int{200},
		ObservedStatus:   503,
		LatencyMs:        40,
		Optional:         true,
		Success:          true,
	})

	with := Analyze(readyDeployments(3), withOptional, DefaultThresholds())
	without := Analyze(readyDeployments(3), base, DefaultThresholds())

	assert.Equal(t, without.HealthSummary.Passed, with.HealthSummary.Passed)
	assert.Equal(t, without.HealthSummary.Failed, with.HealthSummary.Failed)
	assert.Equal(t, 1, with.HealthSummary.Skipped)
	assert.Equal(t, without.OverallStatus, with.OverallStatus)
	assert.Equal(t, without.Severity, with.Severity)
}

func TestAuthRegressionSignature(t *testing.T) {
	probes := []health.HealthProbeResult{
		passingProbe("/", 100),
		failingProbe("/api/account", 401),
		failingProbe("/api/orders", 401),
	}

	report := Analyze(readyDeployments(1), probes, DefaultThresholds())

	found := false
	for _, rec := range report.Recommendations {
		if rec.Category == "authentication" {
			found = true
		}
	}
	assert.True(t, found, "expected an authentication-regression recommendation")
}

func TestEmptyInputsAreUnknown(t *testing.T) {
	report := Analyze(nil, nil, DefaultThresholds())

	assert.Equal(t, StatusUnknown, report.OverallStatus)
	assert.Equal(t, SeverityLow, report.Severity)
	assert.Empty(t, report.Alerts)
}

func TestMonitoringFailureReport(t *testing.T) {
	report := MonitoringFailureReport("3 consecutive cycle failures")

	require.Len(t, report.Alerts, 1)
	assert.Equal(t, AlertMonitoringFailure, report.Alerts[0].Type)
	assert.True(t, report.Severity.AtLeast(SeverityHigh))
}
