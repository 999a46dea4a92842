package analyzer

import (
	"fmt"

	"github.com/lumina-studio/deploy-monitor/internal/deploy"
)

// signatureFn matches one known issue signature against the observed data
// and returns a recommendation when it applies. The list is advisory only
// and never feeds back into severity.
type signatureFn func(in ruleInput, report ComprehensiveReport) *Recommendation

var issueSignatures = []signatureFn{
	signatureStatusRealityMismatch,
	signatureRepeatedBuildErrors,
	signatureAuthRegression,
	signatureLatencyRegression,
	signatureTotalOutage,
}

func recommend(in ruleInput, report ComprehensiveReport) []Recommendation {
	recommendations := make([]Recommendation, 0, len(issueSignatures))
	for _, signature := range issueSignatures {
		if rec := signature(in, report); rec != nil {
			recommendations = append(recommendations, *rec)
		}
	}
	return recommendations
}

func signatureStatusRealityMismatch(in ruleInput, report ComprehensiveReport) *Recommendation {
	if !in.anyDeploymentError() || report.HealthSummary.Passed == 0 {
		return nil
	}
	return &Recommendation{
		Priority: SeverityHigh,
		Category: "deployment_status",
		Description: "The platform reports a failed build while the site still serves traffic. " +
			"A previous deployment is likely still live; check the build logs before the stale version drifts.",
	}
}

func signatureRepeatedBuildErrors(in ruleInput, report ComprehensiveReport) *Recommendation {
	errors := 0
	for _, rec := range in.deployments {
		if rec.Status == deploy.StatusError {
			errors++
		}
	}
	if errors < 2 {
		return nil
	}
	return &Recommendation{
		Priority: SeverityHigh,
		Category: "build_pipeline",
		Description: fmt.Sprintf("%d deployments in the recent window failed. "+
			"Repeated build errors usually point at a broken dependency or build configuration, not flaky infrastructure.", errors),
	}
}

func signatureAuthRegression(in ruleInput, report ComprehensiveReport) *Recommendation {
	unexpected401 := 0
	for _, probe := range in.probes {
		if probe.ObservedStatus != 401 || probe.Success {
			continue
		}
		unexpected401++
	}
	if unexpected401 < 2 {
		return nil
	}
	return &Recommendation{
		Priority: SeverityHigh,
		Category: "authentication",
		Description: fmt.Sprintf("%d endpoints returned an unexpected 401. "+
			"A cluster of authentication failures suggests a session/middleware regression or a rotated secret.", unexpected401),
	}
}

func signatureLatencyRegression(in ruleInput, report ComprehensiveReport) *Recommendation {
	if report.HealthSummary.Passed == 0 ||
		report.HealthSummary.AverageLatencyMs <= in.thresholds.MaxAverageLatencyMs {
		return nil
	}
	return &Recommendation{
		Priority: SeverityMedium,
		Category: "performance",
		Description: fmt.Sprintf("Average latency is %.0fms against a %.0fms ceiling. "+
			"Look for cold starts, a saturated database pool, or an N+1 introduced by the latest deploy.",
			report.HealthSummary.AverageLatencyMs, in.thresholds.MaxAverageLatencyMs),
	}
}

func signatureTotalOutage(in ruleInput, report ComprehensiveReport) *Recommendation {
	counted := report.HealthSummary.Total - report.HealthSummary.Skipped
	if counted == 0 || report.HealthSummary.Passed > 0 {
		return nil
	}
	return &Recommendation{
		Priority: SeverityCritical,
		Category: "availability",
		Description: "No health probe succeeded. Verify DNS and platform status first, " +
			"then roll back to the last deployment that was serving.",
	}
}
