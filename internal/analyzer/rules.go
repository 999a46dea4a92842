package analyzer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumina-studio/deploy-monitor/internal/deploy"
	"github.com/lumina-studio/deploy-monitor/internal/health"
)

type ruleInput struct {
	deployments []deploy.DeploymentRecord
	probes      []health.HealthProbeResult
	thresholds  Thresholds
	now         time.Time
}

func (in ruleInput) anyDeploymentError() bool {
	for _, rec := range in.deployments {
		if rec.Status == deploy.StatusError {
			return true
		}
	}
	return false
}

// successRate is passed / (total - skipped); 1.0 when nothing was counted.
func (in ruleInput) successRate(summary health.Summary) float64 {
	counted := summary.Total - summary.Skipped
	if counted <= 0 {
		return 1.0
	}
	return float64(summary.Passed) / float64(counted)
}

// ruleFn may only escalate the report, never lower it. The precedence is the
// slice order below.
type ruleFn func(in ruleInput, report *ComprehensiveReport)

var classificationRules = []ruleFn{
	ruleSiteDown,
	ruleDeploymentRealityMismatch,
	ruleHealthSuccessFloor,
	ruleLatencyCeiling,
	rulePersistentDeploymentFailures,
}

// Rule 1: a failed deployment with zero succeeding probes means the outage
// is real.
func ruleSiteDown(in ruleInput, report *ComprehensiveReport) {
	if !in.anyDeploymentError() || report.HealthSummary.Passed > 0 {
		return
	}
	report.Escalate(StatusCritical, SeverityCritical)
	report.addAlert(in.now, SeverityCritical, AlertSiteDown,
		"Site is down",
		fmt.Sprintf("Deployment reported Error and 0/%d health probes succeeded.",
			report.HealthSummary.Total-report.HealthSummary.Skipped))
}

// Rule 2: the platform says the build failed but the site still answers;
// the status/reality mismatch is itself reportable.
func ruleDeploymentRealityMismatch(in ruleInput, report *ComprehensiveReport) {
	if !in.anyDeploymentError() || report.HealthSummary.Passed == 0 {
		return
	}
	report.Escalate(StatusWarning, SeverityMedium)
	report.addAlert(in.now, SeverityMedium, AlertDeploymentFailures,
		"Deployment failed but site is serving",
		fmt.Sprintf("Latest deployment window contains Error status while %d/%d health probes still succeed.",
			report.HealthSummary.Passed, report.HealthSummary.Total-report.HealthSummary.Skipped))
}

// Rule 3: health-check success below the configured floor is critical
// regardless of what the platform reports.
func ruleHealthSuccessFloor(in ruleInput, report *ComprehensiveReport) {
	counted := report.HealthSummary.Total - report.HealthSummary.Skipped
	if counted == 0 {
		return
	}
	rate := in.successRate(report.HealthSummary)
	if rate >= in.thresholds.MinSuccessRate {
		return
	}
	report.Escalate(StatusCritical, SeverityHigh)
	report.addAlert(in.now, SeverityHigh, AlertAPIHealthIssues,
		"Health checks below success floor",
		fmt.Sprintf("Only %d/%d probes passed (%.0f%%, floor %.0f%%).",
			report.HealthSummary.Passed, counted, rate*100, in.thresholds.MinSuccessRate*100))
}

// Rule 4: the site is up but too slow.
func ruleLatencyCeiling(in ruleInput, report *ComprehensiveReport) {
	if report.HealthSummary.Passed == 0 {
		return
	}
	if report.HealthSummary.AverageLatencyMs <= in.thresholds.MaxAverageLatencyMs {
		return
	}
	report.Escalate(StatusWarning, SeverityMedium)
	report.addAlert(in.now, SeverityMedium, AlertPerformanceDegradation,
		"Response times degraded",
		fmt.Sprintf("Average latency %.0fms exceeds the %.0fms ceiling (slowest: %s at %dms).",
			report.HealthSummary.AverageLatencyMs, in.thresholds.MaxAverageLatencyMs,
			report.HealthSummary.SlowestPath, report.HealthSummary.SlowestMs))
}

// Rule 5: a persistent failure pattern across the window, not a one-off.
// Requires a full window of at least RecentK records so a single failed
// build never trips it on its own.
func rulePersistentDeploymentFailures(in ruleInput, report *ComprehensiveReport) {
	k := in.thresholds.RecentK
	if k <= 0 {
		k = 3
	}
	summary := report.DeploymentSummary
	if summary.Total < k {
		return
	}
	if summary.FailureRate <= in.thresholds.MaxDeploymentFailureRate {
		return
	}

	recentErrors := 0
	for _, rec := range in.deployments[:k] {
		if rec.Status == deploy.StatusError {
			recentErrors++
		}
	}
	if recentErrors*2 <= k {
		return
	}

	report.Escalate(StatusCritical, SeverityHigh)
	report.addAlert(in.now, SeverityHigh, AlertDeploymentFailures,
		"Deployments failing repeatedly",
		fmt.Sprintf("%d of the last %d deployments failed (window failure rate %.0f%%).",
			recentErrors, k, summary.FailureRate*100))
}

func (r *ComprehensiveReport) addAlert(now time.Time, severity Severity, alertType AlertType, title, message string) {
	r.Alerts = append(r.Alerts, Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Type:      alertType,
		Title:     title,
		Message:   message,
		Timestamp: now,
	})
}
