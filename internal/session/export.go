package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumina-studio/deploy-monitor/internal/analyzer"
)

// Exporter writes the structured session/report documents and the
// human-readable summaries under the data directory. Field names in the
// key=value documents are a stable contract consumed by external tooling.
type Exporter struct {
	dataDir  string
	archiver *Archiver
	log      *slog.Logger
}

func NewExporter(dataDir string, archiver *Archiver, log *slog.Logger) (*Exporter, error) {
	for _, sub := range []string{"sessions", "reports"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Exporter{dataDir: dataDir, archiver: archiver, log: log}, nil
}

// WriteSession persists the key=value session document, overwriting any
// previous version for the same session id.
func (e *Exporter) WriteSession(sess *MonitoringSession) error {
	var b strings.Builder
	writeField(&b, "sessionId", sess.SessionID)
	writeField(&b, "trigger", sess.Trigger)
	writeField(&b, "branch", sess.Branch)
	writeField(&b, "shortSha", sess.ShortSha)
	writeField(&b, "status", sess.Status)
	writeField(&b, "startedAt", sess.StartedAt.Format(time.RFC3339))
	writeField(&b, "finalStatus", sess.FinalStatus)
	writeField(&b, "passRate", fmt.Sprintf("%.2f", sess.PassRate))
	writeField(&b, "pollCompleted", fmt.Sprintf("%t", sess.PollDone))
	writeField(&b, "healthCompleted", fmt.Sprintf("%t", sess.HealthDone))
	writeField(&b, "analyzeCompleted", fmt.Sprintf("%t", sess.AnalyzeDone))
	writeField(&b, "alertsDispatched", fmt.Sprintf("%t", sess.AlertsSent))
	if sess.CompletedAt != nil {
		writeField(&b, "completedAt", sess.CompletedAt.Format(time.RFC3339))
	}
	if sess.FailReason != "" {
		writeField(&b, "failReason", sess.FailReason)
	}

	path := e.SessionDocPath(sess.SessionID)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write session document: %w", err)
	}

	e.archive(path)
	return nil
}

// WriteReport persists both report documents: the structured key=value one
// and the human-readable summary with computed percentages.
func (e *Exporter) WriteReport(sess *MonitoringSession, report *analyzer.ComprehensiveReport) error {
	structured := e.ReportDocPath(sess.SessionID)
	if err := os.WriteFile(structured, []byte(renderStructuredReport(sess, report)), 0o644); err != nil {
		return fmt.Errorf("write report document: %w", err)
	}

	summary := e.SummaryPath(sess.SessionID)
	if err := os.WriteFile(summary, []byte(RenderSummary(sess, report)), 0o644); err != nil {
		return fmt.Errorf("write report summary: %w", err)
	}

	e.archive(structured)
	e.archive(summary)
	return nil
}

// RemoveOlderThan deletes exported documents whose modification time is
// before the cutoff.
func (e *Exporter) RemoveOlderThan(cutoff time.Time) {
	for _, sub := range []string{"sessions", "reports"} {
		dir := filepath.Join(e.dataDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func (e *Exporter) SessionDocPath(sessionID string) string {
	return filepath.Join(e.dataDir, "sessions", sessionID+".session")
}

func (e *Exporter) ReportDocPath(sessionID string) string {
	return filepath.Join(e.dataDir, "reports", sessionID+".report")
}

func (e *Exporter) SummaryPath(sessionID string) string {
	return filepath.Join(e.dataDir, "reports", sessionID+".txt")
}

func (e *Exporter) archive(path string) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Upload(path); err != nil {
		e.log.Warn("report archive upload failed", "path", path, "err", err)
	}
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(value)
	b.WriteString("\n")
}

func renderStructuredReport(sess *MonitoringSession, report *analyzer.ComprehensiveReport) string {
	var b strings.Builder
	writeField(&b, "sessionId", sess.SessionID)
	writeField(&b, "reportId", report.ID)
	writeField(&b, "timestamp", report.Timestamp.Format(time.RFC3339))
	writeField(&b, "overallStatus", string(report.OverallStatus))
	writeField(&b, "severity", string(report.Severity))
	writeField(&b, "deploymentsTotal", fmt.Sprintf("%d", report.DeploymentSummary.Total))
	writeField(&b, "deploymentsSuccessful", fmt.Sprintf("%d", report.DeploymentSummary.Successful))
	writeField(&b, "deploymentsFailed", fmt.Sprintf("%d", report.DeploymentSummary.Failed))
	writeField(&b, "deploymentFailureRate", fmt.Sprintf("%.2f", report.DeploymentSummary.FailureRate))
	writeField(&b, "recentStatusPattern", strings.Join(report.DeploymentSummary.RecentStatusPattern, ","))
	writeField(&b, "healthTotal", fmt.Sprintf("%d", report.HealthSummary.Total))
	writeField(&b, "healthPassed", fmt.Sprintf("%d", report.HealthSummary.Passed))
	writeField(&b, "healthFailed", fmt.Sprintf("%d", report.HealthSummary.Failed))
	writeField(&b, "healthSkipped", fmt.Sprintf("%d", report.HealthSummary.Skipped))
	writeField(&b, "averageLatencyMs", fmt.Sprintf("%.0f", report.HealthSummary.AverageLatencyMs))
	writeField(&b, "alertCount", fmt.Sprintf("%d", len(report.Alerts)))
	writeField(&b, "recommendationCount", fmt.Sprintf("%d", len(report.Recommendations)))
	return b.String()
}

// RenderSummary builds the human-readable report mirror: same data as the
// structured document plus computed percentages and bulleted alert and
// recommendation lists.
func RenderSummary(sess *MonitoringSession, report *analyzer.ComprehensiveReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Deployment Monitoring Report %s\n", sess.SessionID)
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	fmt.Fprintf(&b, "Branch:         %s\n", orDash(sess.Branch))
	fmt.Fprintf(&b, "Commit:         %s\n", orDash(sess.ShortSha))
	fmt.Fprintf(&b, "Trigger:        %s\n", sess.Trigger)
	fmt.Fprintf(&b, "Started:        %s\n", sess.StartedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Overall status: %s (severity: %s)\n\n", report.OverallStatus, report.Severity)

	dep := report.DeploymentSummary
	fmt.Fprintf(&b, "Deployments: %d total, %d successful, %d failed (%.0f%% failure rate)\n",
		dep.Total, dep.Successful, dep.Failed, dep.FailureRate*100)
	if len(dep.RecentStatusPattern) > 0 {
		fmt.Fprintf(&b, "Recent pattern: %s\n", strings.Join(dep.RecentStatusPattern, " → "))
	}

	hs := report.HealthSummary
	counted := hs.Total - hs.Skipped
	rate := 0.0
	if counted > 0 {
		rate = float64(hs.Passed) / float64(counted) * 100
	}
	fmt.Fprintf(&b, "Health checks: %d/%d passed (%.0f%%), %d skipped, avg latency %.0fms\n",
		hs.Passed, counted, rate, hs.Skipped, hs.AverageLatencyMs)
	if hs.SlowestPath != "" {
		fmt.Fprintf(&b, "Fastest: %s (%dms), slowest: %s (%dms)\n",
			hs.FastestPath, hs.FastestMs, hs.SlowestPath, hs.SlowestMs)
	}

	if len(report.Alerts) > 0 {
		b.WriteString("\nAlerts:\n")
		for _, alert := range report.Alerts {
			fmt.Fprintf(&b, "  * [%s] %s: %s\n", alert.Severity, alert.Title, alert.Message)
		}
	}

	if len(report.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, rec := range report.Recommendations {
			fmt.Fprintf(&b, "  * (%s, %s) %s\n", rec.Priority, rec.Category, rec.Description)
		}
	}

	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
