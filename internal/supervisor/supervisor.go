package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumina-studio/deploy-monitor/internal/alerter"
	"github.com/lumina-studio/deploy-monitor/internal/analyzer"
	"github.com/lumina-studio/deploy-monitor/internal/deploy"
	"github.com/lumina-studio/deploy-monitor/internal/health"
	"github.com/lumina-studio/deploy-monitor/internal/session"
)

// ErrCircuitOpen is returned by Run when the consecutive-failure breaker
// trips; the loop fail-stops instead of retrying forever.
var ErrCircuitOpen = errors.New("supervisor circuit breaker tripped")

type Config struct {
	CycleInterval          time.Duration
	PollMaxWait            time.Duration
	MaxConsecutiveFailures int
	Thresholds             analyzer.Thresholds
	Branch                 string
}

func DefaultConfig() Config {
	return Config{
		CycleInterval:          2 * time.Minute,
		PollMaxWait:            10 * time.Minute,
		MaxConsecutiveFailures: 3,
		Thresholds:             analyzer.DefaultThresholds(),
	}
}

// Supervisor owns the continuous monitoring loop: detect a new deployment,
// run the full cycle for it, otherwise do a cheap health recheck. All of
// its mutable state (metrics, last-seen deployment) is owned by the loop.
type Supervisor struct {
	lister     deploy.Lister
	poller     *deploy.Poller
	checker    *health.Checker
	endpoints  []health.Endpoint
	store      *session.Store
	dispatcher *alerter.Dispatcher
	registry   *Registry
	metrics    *Metrics
	cfg        Config
	log        *slog.Logger

	lastSeen    string
	fallbackRan bool
}

func New(
	lister deploy.Lister,
	poller *deploy.Poller,
	checker *health.Checker,
	endpoints []health.Endpoint,
	store *session.Store,
	dispatcher *alerter.Dispatcher,
	registry *Registry,
	metrics *Metrics,
	cfg Config,
	log *slog.Logger,
) *Supervisor {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultConfig().CycleInterval
	}
	if cfg.PollMaxWait <= 0 {
		cfg.PollMaxWait = DefaultConfig().PollMaxWait
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	return &Supervisor{
		lister:     lister,
		poller:     poller,
		checker:    checker,
		endpoints:  endpoints,
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
		cfg:        cfg,
		log:        log.With("component", "supervisor"),
	}
}

// Metrics exposes the loop's counters for the status surfaces.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// Run is the continuous loop. It returns nil on context cancellation and
// ErrCircuitOpen when too many cycles failed in a row; in the latter case a
// final monitoring-failure report has already been persisted and dispatched.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started",
		"cycle_interval", s.cfg.CycleInterval.String(),
		"failure_cap", s.cfg.MaxConsecutiveFailures)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	// First cycle runs immediately; the ticker paces the rest.
	if err := s.cycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopping", "reason", "context cancelled")
			return nil
		case <-ticker.C:
			if err := s.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) error {
	start := time.Now()

	commit, runFull, err := s.detectNewDeployment(ctx)
	if err != nil {
		s.recordFailure(start, fmt.Errorf("detect deployment: %w", err))
		return s.maybeTrip(ctx)
	}

	if !runFull {
		s.recheck(ctx)
		s.metrics.RecordCycle(true, time.Since(start))
		return nil
	}

	if commit != "" {
		s.log.Info("new deployment detected", "deployment_id", commit)
	} else {
		s.log.Info("deployment lister unavailable, running one fallback cycle")
	}
	_, err = s.RunOnce(ctx, session.TriggerScheduled, s.cfg.Branch, commit)
	switch {
	case errors.Is(err, session.ErrDuplicateSession):
		// Another trigger beat us to this commit; not a cycle failure.
		s.metrics.RecordCycle(true, time.Since(start))
		return nil
	case err != nil:
		s.recordFailure(start, err)
		return s.maybeTrip(ctx)
	default:
		s.metrics.RecordCycle(true, time.Since(start))
		return nil
	}
}

// recheck is the cheap path for an unchanged deployment. Probe failures are
// data, not monitoring failures: a down site gets analyzed and dispatched
// here, and never counts toward the circuit breaker.
func (s *Supervisor) recheck(ctx context.Context) {
	probes, summary := s.checker.Check(ctx, s.endpoints)
	s.log.Debug("lightweight recheck",
		"passed", summary.Passed, "failed", summary.Failed)
	if summary.Failed == 0 {
		return
	}

	report := analyzer.Analyze(s.poller.Window(), probes, s.cfg.Thresholds)
	s.log.Warn("recheck found failing probes",
		"failed", summary.Failed,
		"overall_status", string(report.OverallStatus),
		"severity", string(report.Severity))
	s.dispatcher.Notify(ctx, &report)
}

// detectNewDeployment asks the lister for the newest deployment id and
// compares it with the last one this loop saw. A missing lister is not an
// error here: it triggers exactly one full fallback cycle (with no commit
// attached), then the loop settles into rechecks.
func (s *Supervisor) detectNewDeployment(ctx context.Context) (commit string, runFull bool, err error) {
	records, err := s.lister.List(ctx)
	if errors.Is(err, deploy.ErrListerUnavailable) {
		if !s.fallbackRan {
			s.fallbackRan = true
			return "", true, nil
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 {
		return "", false, nil
	}

	latest := records[0].ID
	if latest == s.lastSeen {
		return "", false, nil
	}
	s.lastSeen = latest
	return latest, true, nil
}

func (s *Supervisor) recordFailure(start time.Time, err error) {
	s.log.Error("monitoring cycle failed", "err", err)
	s.metrics.RecordCycle(false, time.Since(start))
}

// maybeTrip fail-stops the loop once the consecutive-failure cap is
// reached, persisting and dispatching a final report first so the halt is
// never silent.
func (s *Supervisor) maybeTrip(ctx context.Context) error {
	failures := s.metrics.consecutive()
	if failures < s.cfg.MaxConsecutiveFailures {
		return nil
	}

	s.log.Error("circuit breaker tripped, halting supervisor",
		"consecutive_failures", failures)

	report := analyzer.MonitoringFailureReport(
		fmt.Sprintf("%d consecutive monitoring cycles failed; supervisor halted", failures))

	if sess, err := s.store.Create(session.TriggerScheduled, s.cfg.Branch, ""); err == nil {
		_ = s.store.Complete(sess.SessionID, &report, session.Phases{Analyze: true})
	}
	s.dispatcher.Notify(ctx, &report)

	return fmt.Errorf("%w after %d failures", ErrCircuitOpen, failures)
}

// RunOnce executes one full monitoring run: create session, poll the
// deployment to a terminal state, probe health regardless of the poll
// outcome, analyze, persist, dispatch. It is used both by the loop and by
// one-shot triggers.
func (s *Supervisor) RunOnce(ctx context.Context, trigger, branch, commitID string) (*analyzer.ComprehensiveReport, error) {
	sess, err := s.store.Create(trigger, branch, commitID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registry.Register(sess.SessionID, cancel)
	defer s.registry.Unregister(sess.SessionID)

	log := s.log.With("session_id", sess.SessionID)
	phases := session.Phases{}

	pollResult := s.poller.Poll(runCtx, s.cfg.PollMaxWait)
	phases.Poll = pollResult.Outcome == deploy.OutcomeSuccess
	log.Info("deployment poll finished",
		"outcome", string(pollResult.Outcome),
		"polls", pollResult.PollCount,
		"fallback", pollResult.Fallback)

	if runCtx.Err() != nil {
		return nil, s.unwindCancelled(sess.SessionID)
	}

	// The checker runs regardless of the poll outcome: a platform-reported
	// build failure with a healthy site is exactly the condition worth
	// reporting.
	probes, summary := s.checker.Check(runCtx, s.endpoints)
	phases.Health = summary.Failed == 0

	if runCtx.Err() != nil {
		return nil, s.unwindCancelled(sess.SessionID)
	}

	report := analyzer.Analyze(s.poller.Window(), probes, s.cfg.Thresholds)
	phases.Analyze = true

	deliveries := s.dispatcher.Notify(runCtx, &report)
	for _, delivery := range deliveries {
		if delivery.Status == alerter.DeliverySent {
			phases.Alerts = true
		}
	}

	if err := s.store.Complete(sess.SessionID, &report, phases); err != nil {
		// Unrecoverable store error: still leave a failed session record
		// behind before propagating.
		_ = s.store.Fail(sess.SessionID, err.Error())
		return nil, fmt.Errorf("persist report: %w", err)
	}

	log.Info("monitoring run completed",
		"overall_status", string(report.OverallStatus),
		"severity", string(report.Severity),
		"alerts", len(report.Alerts))

	return &report, nil
}

func (s *Supervisor) unwindCancelled(sessionID string) error {
	if err := s.store.Stop(sessionID); err != nil {
		s.log.Warn("failed to mark cancelled session stopped", "session_id", sessionID, "err", err)
	}
	return context.Canceled
}
