package alerter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumina-studio/deploy-monitor/internal/analyzer"
)

// Payload is the common notification shape every channel receives;
// channel-specific formatting (attachment fields, markdown) is a rendering
// detail layered on top.
type Payload struct {
	Title           string                    `json:"title"`
	Message         string                    `json:"message"`
	Severity        analyzer.Severity         `json:"severity"`
	Color           string                    `json:"color"`
	Timestamp       time.Time                 `json:"timestamp"`
	Alerts          []analyzer.Alert          `json:"alerts,omitempty"`
	Recommendations []analyzer.Recommendation `json:"recommendations,omitempty"`
}

// Channel delivers one formatted payload. Channels are independent and
// best-effort; a failing channel must not keep others from being attempted.
type Channel interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

// Delivery statuses.
const (
	DeliverySent    = "sent"
	DeliverySkipped = "skipped"
	DeliveryFailed  = "failed"
)

type DeliveryResult struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// Dispatcher fans a report out across the configured channels, gated by a
// minimum severity so low-severity noise never pages anyone.
type Dispatcher struct {
	channels    []Channel
	minSeverity analyzer.Severity
	log         *slog.Logger
}

func NewDispatcher(channels []Channel, minSeverity analyzer.Severity, log *slog.Logger) *Dispatcher {
	if minSeverity == "" {
		minSeverity = analyzer.SeverityMedium
	}
	return &Dispatcher{channels: channels, minSeverity: minSeverity, log: log.With("component", "alerter")}
}

// Notify formats the report once and attempts every channel, collecting
// results instead of short-circuiting.
func (d *Dispatcher) Notify(ctx context.Context, report *analyzer.ComprehensiveReport) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(d.channels))

	if !report.Severity.AtLeast(d.minSeverity) {
		d.log.Info("report below alert threshold, not dispatching",
			"severity", string(report.Severity), "threshold", string(d.minSeverity))
		for _, ch := range d.channels {
			results = append(results, DeliveryResult{
				Channel: ch.Name(),
				Status:  DeliverySkipped,
				Detail:  "below severity threshold",
			})
		}
		return results
	}

	payload := BuildPayload(report)

	for _, ch := range d.channels {
		if err := ch.Send(ctx, payload); err != nil {
			d.log.Warn("alert channel failed", "channel", ch.Name(), "err", err)
			results = append(results, DeliveryResult{
				Channel: ch.Name(),
				Status:  DeliveryFailed,
				Detail:  err.Error(),
			})
			continue
		}
		results = append(results, DeliveryResult{Channel: ch.Name(), Status: DeliverySent})
	}

	return results
}

// BuildPayload interpolates the key deployment and health metrics into the
// notification body.
func BuildPayload(report *analyzer.ComprehensiveReport) Payload {
	dep := report.DeploymentSummary
	hs := report.HealthSummary
	counted := hs.Total - hs.Skipped

	message := fmt.Sprintf(
		"Deployments: %d/%d successful (%.0f%% failure rate). Health: %d/%d probes passed, avg latency %.0fms.",
		dep.Successful, dep.Total, dep.FailureRate*100,
		hs.Passed, counted, hs.AverageLatencyMs,
	)

	return Payload{
		Title:           fmt.Sprintf("Deployment monitor: %s", report.OverallStatus),
		Message:         message,
		Severity:        report.Severity,
		Color:           severityColor(report.Severity),
		Timestamp:       report.Timestamp,
		Alerts:          report.Alerts,
		Recommendations: report.Recommendations,
	}
}

func severityColor(severity analyzer.Severity) string {
	switch severity {
	case analyzer.SeverityCritical:
		return "#e01e5a"
	case analyzer.SeverityHigh:
		return "#ff6b35"
	case analyzer.SeverityMedium:
		return "#ecb22e"
	default:
		return "#2eb67d"
	}
}

// LogChannel is the always-available local channel: it writes the payload
// to the structured log and can never fail.
type LogChannel struct {
	Log *slog.Logger
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, payload Payload) error {
	c.Log.Info("ALERT "+payload.Title,
		"severity", string(payload.Severity),
		"message", payload.Message,
		"alerts", len(payload.Alerts),
		"recommendations", len(payload.Recommendations),
	)
	return nil
}
