package analyzer

import (
	"time"

	"github.com/lumina-studio/deploy-monitor/internal/health"
)

// OverallStatus is the fused verdict for one monitoring run.
type OverallStatus string

const (
	StatusHealthy  OverallStatus = "healthy"
	StatusWarning  OverallStatus = "warning"
	StatusCritical OverallStatus = "critical"
	StatusUnknown  OverallStatus = "unknown"
)

// Severity drives whether alerts fire. Ordering is low < medium < high <
// critical; rules may only raise it.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

var statusRank = map[OverallStatus]int{
	StatusUnknown:  0,
	StatusHealthy:  1,
	StatusWarning:  2,
	StatusCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ParseSeverity maps a configuration string to a Severity, defaulting to low
// for anything unrecognized.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityLow
	}
}

// AlertType is the closed taxonomy of alert causes.
type AlertType string

const (
	AlertSiteDown               AlertType = "site_down"
	AlertDeploymentFailures     AlertType = "deployment_failures"
	AlertPerformanceDegradation AlertType = "performance_degradation"
	AlertAPIHealthIssues        AlertType = "api_health_issues"
	AlertMonitoringFailure      AlertType = "monitoring_failure"
)

// Alert is generated during analysis, never edited afterward.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Type      AlertType `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Recommendation is advisory output matched from known issue signatures; it
// never affects severity.
type Recommendation struct {
	Priority    Severity `json:"priority"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
}

// DeploymentSummary aggregates the recent deployment window.
type DeploymentSummary struct {
	Total               int      `json:"total"`
	Successful          int      `json:"successful"`
	Failed              int      `json:"failed"`
	FailureRate         float64  `json:"failureRate"`
	RecentStatusPattern []string `json:"recentStatusPattern"`
}

// ComprehensiveReport is the unit of truth for one run. It is derived, not
// mutated after creation; recomputing from the same inputs and thresholds
// yields the same status, severity, alerts and recommendations.
type ComprehensiveReport struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	OverallStatus     OverallStatus     `json:"overallStatus"`
	Severity          Severity          `json:"severity"`
	DeploymentSummary DeploymentSummary `json:"deploymentSummary"`
	HealthSummary     health.Summary    `json:"healthSummary"`
	Alerts            []Alert           `json:"alerts"`
	Recommendations   []Recommendation  `json:"recommendations"`
}

// Escalate raises status and severity, never lowering either below an
// earlier determination.
func (r *ComprehensiveReport) Escalate(status OverallStatus, severity Severity) {
	if statusRank[status] > statusRank[r.OverallStatus] {
		r.OverallStatus = status
	}
	if severityRank[severity] > severityRank[r.Severity] {
		r.Severity = severity
	}
}

// Thresholds configures the classification rules.
type Thresholds struct {
	// MinSuccessRate is the health-check success floor, passed/(total-skipped).
	MinSuccessRate float64
	// MaxAverageLatencyMs is the acceptable latency ceiling.
	MaxAverageLatencyMs float64
	// MaxDeploymentFailureRate is the tolerated failure share of the window.
	MaxDeploymentFailureRate float64
	// RecentK is how many of the newest deployments must be predominantly
	// failing before the persistent-failure rule fires.
	RecentK int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:           0.75,
		MaxAverageLatencyMs:      2000,
		MaxDeploymentFailureRate: 0.5,
		RecentK:                  3,
	}
}
