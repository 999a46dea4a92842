package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Outcome classifies how a poll run ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// PollResult is what a single Poll call resolves to. Deployment is nil when
// the lister never produced a record (fallback path or total failure).
type PollResult struct {
	Outcome    Outcome
	Deployment *DeploymentRecord
	PollCount  int
	Fallback   bool
}

// PollConfig bounds the polling loop. The interval grows geometrically after
// each non-terminal poll so fast deployments are caught quickly without
// hammering the lister on slow ones.
type PollConfig struct {
	BaseInterval           time.Duration
	MaxInterval            time.Duration
	Multiplier             float64
	MaxConsecutiveFailures int
	FallbackWait           time.Duration
	WindowSize             int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		BaseInterval:           5 * time.Second,
		MaxInterval:            30 * time.Second,
		Multiplier:             1.5,
		MaxConsecutiveFailures: 5,
		FallbackWait:           45 * time.Second,
		WindowSize:             10,
	}
}

type Poller struct {
	lister Lister
	cfg    PollConfig
	log    *slog.Logger
	window *RecentWindow
}

func NewPoller(lister Lister, cfg PollConfig, log *slog.Logger) *Poller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultPollConfig().BaseInterval
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultPollConfig().MaxConsecutiveFailures
	}
	if cfg.FallbackWait <= 0 {
		cfg.FallbackWait = DefaultPollConfig().FallbackWait
	}
	return &Poller{
		lister: lister,
		cfg:    cfg,
		log:    log.With("component", "poller"),
		window: NewRecentWindow(cfg.WindowSize),
	}
}

// Window returns the deployments observed across poll runs, most recent
// first. The analyzer consumes this for failure-pattern detection.
func (p *Poller) Window() []DeploymentRecord {
	return p.window.Records()
}

// Poll blocks until the newest deployment reaches a terminal state, the
// wall clock budget runs out, or the lister fails too many times in a row.
// A missing/unauthenticated lister degrades to a bounded fixed wait and
// reports success with Fallback set; the run must not hang on an absent
// status source.
func (p *Poller) Poll(ctx context.Context, maxWait time.Duration) PollResult {
	deadline := time.Now().Add(maxWait)
	interval := p.cfg.BaseInterval
	result := PollResult{}
	consecutiveFailures := 0

	for {
		result.PollCount++

		records, err := p.lister.List(ctx)
		switch {
		case errors.Is(err, ErrListerUnavailable):
			p.log.Warn("deployment lister unavailable, using fallback wait",
				"wait", p.cfg.FallbackWait.String(), "err", err)
			return p.fallback(ctx, maxWait, result)
		case err != nil:
			consecutiveFailures++
			p.log.Warn("lister invocation failed",
				"attempt", result.PollCount,
				"consecutive_failures", consecutiveFailures,
				"err", err)
			if consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
				p.log.Error("lister failed too many times in a row, aborting poll",
					"failures", consecutiveFailures)
				result.Outcome = OutcomeFailed
				return result
			}
		default:
			consecutiveFailures = 0
			if len(records) > 0 {
				latest := records[0]
				// Listings come newest first; add oldest first so the window
				// stays ordered most recent at the front.
				for i := len(records) - 1; i >= 0; i-- {
					p.window.Add(records[i])
				}
				if done, outcome := classify(latest); done {
					result.Outcome = outcome
					result.Deployment = &latest
					return result
				}
				p.log.Debug("deployment not terminal yet",
					"id", latest.ID, "status", string(latest.Status), "poll", result.PollCount)
			} else {
				// Unparseable or empty listing counts as "no deployment
				// found", which is a soft failure toward the abort cap.
				consecutiveFailures++
				if consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
					result.Outcome = OutcomeFailed
					return result
				}
			}
		}

		sleep := interval
		if remaining := time.Until(deadline); remaining <= 0 {
			result.Outcome = OutcomeTimeout
			return result
		} else if sleep > remaining {
			sleep = remaining
		}

		if !sleepCtx(ctx, sleep) {
			result.Outcome = OutcomeTimeout
			return result
		}
		if time.Now().After(deadline) {
			result.Outcome = OutcomeTimeout
			return result
		}

		interval = time.Duration(float64(interval) * p.cfg.Multiplier)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

func (p *Poller) fallback(ctx context.Context, maxWait time.Duration, result PollResult) PollResult {
	wait := p.cfg.FallbackWait
	if wait >= maxWait {
		wait = maxWait / 2
	}
	sleepCtx(ctx, wait)
	result.Outcome = OutcomeSuccess
	result.Fallback = true
	return result
}

func classify(rec DeploymentRecord) (bool, Outcome) {
	switch rec.Status {
	case StatusReady:
		return true, OutcomeSuccess
	case StatusError:
		// Still a terminal answer; the record is returned so downstream can
		// log and analyze it.
		return true, OutcomeFailed
	default:
		return false, ""
	}
}

// sleepCtx sleeps for d or until the context is cancelled, reporting whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
