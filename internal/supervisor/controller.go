package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumina-studio/deploy-monitor/internal/session"
)

// Registry tracks the cancel function of every live monitoring task, keyed
// by session id. It is the bridge between persisted sessions and the
// background work actually running for them.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]func()
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]func(){}}
}

func (r *Registry) Register(sessionID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[sessionID] = cancel
}

func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, sessionID)
}

// Cancel fires the task's cancel function and reports whether a task was
// actually registered. Cancellation is cooperative: the task unwinds at its
// next suspension point.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.tasks[sessionID]
	if ok {
		cancel()
		delete(r.tasks, sessionID)
	}
	return ok
}

func (r *Registry) CancelAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id, cancel := range r.tasks {
		cancel()
		ids = append(ids, id)
	}
	r.tasks = map[string]func(){}
	return ids
}

func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[sessionID]
	return ok
}

// ActiveSession pairs a persisted monitoring-state session with whether its
// underlying task is still actually running. Stale entries (row says
// monitoring, no live task) usually mean the previous monitor process died.
type ActiveSession struct {
	session.MonitoringSession
	TaskRunning bool `json:"taskRunning"`
}

// Controller operates on sessions orthogonally to the supervisor: listing,
// cooperative stop, bulk stop, and age-based cleanup.
type Controller struct {
	store    *session.Store
	registry *Registry
	log      *slog.Logger
}

func NewController(store *session.Store, registry *Registry, log *slog.Logger) *Controller {
	return &Controller{store: store, registry: registry, log: log.With("component", "controller")}
}

// Active lists sessions persisted as monitoring, cross-checked against the
// live task registry.
func (c *Controller) Active() ([]ActiveSession, error) {
	sessions, err := c.store.List(session.Filter{Status: session.StatusMonitoring})
	if err != nil {
		return nil, err
	}

	active := make([]ActiveSession, 0, len(sessions))
	for _, sess := range sessions {
		active = append(active, ActiveSession{
			MonitoringSession: sess,
			TaskRunning:       c.registry.Running(sess.SessionID),
		})
	}
	return active, nil
}

// Stop cancels the named session's task and records the stopped status. The
// status write happens regardless so a stale row can be cleared even when
// no task is live anymore.
func (c *Controller) Stop(sessionID string) error {
	cancelled := c.registry.Cancel(sessionID)
	if err := c.store.Stop(sessionID); err != nil {
		return fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	c.log.Info("session stopped", "session_id", sessionID, "task_was_running", cancelled)
	return nil
}

// StopAll cancels every active session and returns how many were stopped.
func (c *Controller) StopAll() (int, error) {
	sessions, err := c.store.List(session.Filter{Status: session.StatusMonitoring})
	if err != nil {
		return 0, err
	}

	c.registry.CancelAll()

	stopped := 0
	for _, sess := range sessions {
		if err := c.store.Stop(sess.SessionID); err != nil {
			c.log.Warn("failed to mark session stopped", "session_id", sess.SessionID, "err", err)
			continue
		}
		stopped++
	}
	c.log.Info("all active sessions stopped", "count", stopped)
	return stopped, nil
}

// Clean garbage-collects sessions and exported documents older than the
// given age.
func (c *Controller) Clean(ageDays int) (int64, error) {
	if ageDays <= 0 {
		ageDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -ageDays)
	deleted, err := c.store.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	c.log.Info("session cleanup completed", "cutoff", cutoff.Format(time.RFC3339), "deleted", deleted)
	return deleted, nil
}
