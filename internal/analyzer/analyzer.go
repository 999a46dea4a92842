package analyzer

import (
	"time"

	"github.com/google/uuid"

	"github.com/lumina-studio/deploy-monitor/internal/deploy"
	"github.com/lumina-studio/deploy-monitor/internal/health"
)

// Analyze fuses the deployment window and the probe results into one
// severity-classified report. It is deterministic: identical inputs and
// thresholds always produce the same status, severity, alerts and
// recommendations (only the report id and timestamps vary).
func Analyze(deployments []deploy.DeploymentRecord, probes []health.HealthProbeResult, th Thresholds) ComprehensiveReport {
	now := time.Now().UTC()

	report := ComprehensiveReport{
		ID:                uuid.NewString(),
		Timestamp:         now,
		OverallStatus:     StatusUnknown,
		Severity:          SeverityLow,
		DeploymentSummary: summarizeDeployments(deployments),
		HealthSummary:     health.Summarize(probes),
		Alerts:            []Alert{},
		Recommendations:   []Recommendation{},
	}

	if len(deployments) > 0 || len(probes) > 0 {
		report.OverallStatus = StatusHealthy
	}

	input := ruleInput{
		deployments: deployments,
		probes:      probes,
		thresholds:  th,
		now:         now,
	}

	// Ordered, raise-only: each rule may escalate the accumulator but never
	// lower a verdict an earlier rule reached.
	for _, rule := range classificationRules {
		rule(input, &report)
	}

	report.Recommendations = recommend(input, report)

	return report
}

func summarizeDeployments(deployments []deploy.DeploymentRecord) DeploymentSummary {
	summary := DeploymentSummary{
		Total:               len(deployments),
		RecentStatusPattern: make([]string, 0, len(deployments)),
	}

	for _, rec := range deployments {
		summary.RecentStatusPattern = append(summary.RecentStatusPattern, string(rec.Status))
		switch rec.Status {
		case deploy.StatusReady:
			summary.Successful++
		case deploy.StatusError:
			summary.Failed++
		}
	}

	if summary.Total > 0 {
		summary.FailureRate = float64(summary.Failed) / float64(summary.Total)
	}

	return summary
}

// MonitoringFailureReport is the terminal report emitted when the monitor
// itself fails (circuit breaker tripped, unrecoverable store error). Every
// run ends with a persisted report, including this one.
func MonitoringFailureReport(detail string) ComprehensiveReport {
	now := time.Now().UTC()
	return ComprehensiveReport{
		ID:            uuid.NewString(),
		Timestamp:     now,
		OverallStatus: StatusUnknown,
		Severity:      SeverityHigh,
		Alerts: []Alert{{
			ID:        uuid.NewString(),
			Severity:  SeverityHigh,
			Type:      AlertMonitoringFailure,
			Title:     "Monitoring halted",
			Message:   detail,
			Timestamp: now,
		}},
		Recommendations: []Recommendation{{
			Priority:    SeverityHigh,
			Category:    "monitoring",
			Description: "The monitor stopped before completing its run; inspect the monitor logs and restart it.",
		}},
	}
}
