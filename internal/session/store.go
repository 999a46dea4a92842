package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lumina-studio/deploy-monitor/internal/analyzer"
)

// Session lifecycle statuses.
const (
	StatusMonitoring = "monitoring"
	StatusCompleted  = "completed"
	StatusStopped    = "stopped"
	StatusFailed     = "failed"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerPostPush  = "post-push"
	TriggerScheduled = "scheduled"
)

// ErrDuplicateSession is returned when a session is created for a commit
// that already has an in-flight session. Once that session reaches a
// terminal status, a new one for the same commit is accepted.
var ErrDuplicateSession = errors.New("a monitoring session for this commit is already in flight")

// ErrSessionNotFound is returned by lookups for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// MonitoringSession is the lifecycle envelope for one monitoring run. The
// row is written immediately on creation so a crash mid-run still leaves a
// discoverable record in monitoring state.
type MonitoringSession struct {
	SessionID   string     `gorm:"primaryKey" json:"sessionId"`
	Trigger     string     `json:"trigger"`
	Branch      string     `json:"branch"`
	CommitID    string     `gorm:"index" json:"commitId"`
	ShortSha    string     `json:"shortSha"`
	StartedAt   time.Time  `json:"startedAt"`
	Status      string     `gorm:"index" json:"status"`
	FinalStatus string     `json:"finalStatus"`
	PassRate    float64    `json:"passRate"`
	PollDone    bool       `json:"pollDone"`
	HealthDone  bool       `json:"healthDone"`
	AnalyzeDone bool       `json:"analyzeDone"`
	AlertsSent  bool       `json:"alertsSent"`
	ReportJSON  string     `json:"-"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailReason  string     `json:"failReason,omitempty"`
}

// Report decodes the attached final report, if any.
func (s *MonitoringSession) Report() (*analyzer.ComprehensiveReport, error) {
	if s.ReportJSON == "" {
		return nil, nil
	}
	var report analyzer.ComprehensiveReport
	if err := json.Unmarshal([]byte(s.ReportJSON), &report); err != nil {
		return nil, fmt.Errorf("decode report for %s: %w", s.SessionID, err)
	}
	return &report, nil
}

// Phases records which stages of the run actually completed; the exported
// session document carries them as booleans.
type Phases struct {
	Poll    bool
	Health  bool
	Analyze bool
	Alerts  bool
}

// Store is the sole writer of persisted session documents. All writes are
// keyed by session id, so concurrent sessions for different commits never
// contend on the same record.
type Store struct {
	db       *gorm.DB
	exporter *Exporter
	log      *slog.Logger
	now      func() time.Time
}

// Open connects to the sqlite session database and runs pending migrations.
func Open(filename string, exporter *Exporter, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if err = db.AutoMigrate(&MonitoringSession{}); err != nil {
		return nil, fmt.Errorf("migrate session db: %w", err)
	}

	return &Store{db: db, exporter: exporter, log: log.With("component", "session"), now: time.Now}, nil
}

// Create registers a new monitoring session and persists it immediately.
// The session id is derived from the trigger time and the short commit id.
func (s *Store) Create(trigger, branch, commitID string) (*MonitoringSession, error) {
	shortSha := shorten(commitID)

	if commitID != "" {
		var inflight int64
		err := s.db.Model(&MonitoringSession{}).
			Where("commit_id = ? AND status = ?", commitID, StatusMonitoring).
			Count(&inflight).Error
		if err != nil {
			return nil, fmt.Errorf("check in-flight sessions: %w", err)
		}
		if inflight > 0 {
			return nil, fmt.Errorf("%w: commit %s", ErrDuplicateSession, shortSha)
		}
	}

	startedAt := s.now().UTC()
	sess := &MonitoringSession{
		SessionID: s.uniqueID(startedAt, shortSha),
		Trigger:   trigger,
		Branch:    branch,
		CommitID:  commitID,
		ShortSha:  shortSha,
		StartedAt: startedAt,
		Status:    StatusMonitoring,
	}

	if err := s.db.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.export(sess, nil)
	s.log.Info("monitoring session created",
		"session_id", sess.SessionID, "trigger", trigger, "branch", branch)

	return sess, nil
}

// uniqueID derives the session id from the trigger time and short commit
// id, suffixing a counter if a run for the same commit starts within the
// same second.
func (s *Store) uniqueID(startedAt time.Time, shortSha string) string {
	base := fmt.Sprintf("%s-%s", startedAt.Format("20060102-150405"), shortSha)
	id := base
	for i := 2; ; i++ {
		var count int64
		s.db.Model(&MonitoringSession{}).Where("session_id = ?", id).Count(&count)
		if count == 0 {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
}

// Complete attaches the final report and marks the session completed.
func (s *Store) Complete(sessionID string, report *analyzer.ComprehensiveReport, phases Phases) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusMonitoring {
		// Already terminal; keep the first verdict. A stop that landed while
		// the task was finishing must not be undone by the late completion.
		return nil
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	now := s.now().UTC()
	sess.Status = StatusCompleted
	sess.FinalStatus = string(report.OverallStatus)
	sess.PassRate = passRate(report)
	sess.PollDone = phases.Poll
	sess.HealthDone = phases.Health
	sess.AnalyzeDone = phases.Analyze
	sess.AlertsSent = phases.Alerts
	sess.ReportJSON = string(raw)
	sess.CompletedAt = &now

	if err := s.db.Save(sess).Error; err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}

	s.export(sess, report)
	return nil
}

// Stop marks the session stopped after external cancellation. The owning
// background task observes the status cooperatively and unwinds.
func (s *Store) Stop(sessionID string) error {
	return s.finish(sessionID, StatusStopped, "")
}

// Fail marks the session failed with an unrecoverable error. A session
// record is still written: a run that crashes with no output is a design
// failure, not an acceptable outcome.
func (s *Store) Fail(sessionID, reason string) error {
	return s.finish(sessionID, StatusFailed, reason)
}

func (s *Store) finish(sessionID, status, reason string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusMonitoring {
		// Already terminal; keep the first verdict.
		return nil
	}

	now := s.now().UTC()
	sess.Status = status
	sess.CompletedAt = &now
	sess.FailReason = reason

	if err := s.db.Save(sess).Error; err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}

	s.export(sess, nil)
	return nil
}

// Get fetches one session by id.
func (s *Store) Get(sessionID string) (*MonitoringSession, error) {
	var sess MonitoringSession
	err := s.db.First(&sess, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Filter narrows List results; zero values match everything.
type Filter struct {
	Status string
	Branch string
	Limit  int
}

// List returns sessions newest first.
func (s *Store) List(filter Filter) ([]MonitoringSession, error) {
	query := s.db.Order("started_at DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Branch != "" {
		query = query.Where("branch = ?", filter.Branch)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var sessions []MonitoringSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteOlderThan removes sessions started before the cutoff. Only the
// session controller calls this; the store never garbage-collects during a
// run.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("started_at < ?", cutoff).Delete(&MonitoringSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old sessions: %w", result.Error)
	}
	if s.exporter != nil {
		s.exporter.RemoveOlderThan(cutoff)
	}
	return result.RowsAffected, nil
}

func (s *Store) export(sess *MonitoringSession, report *analyzer.ComprehensiveReport) {
	if s.exporter == nil {
		return
	}
	if err := s.exporter.WriteSession(sess); err != nil {
		s.log.Warn("session document export failed", "session_id", sess.SessionID, "err", err)
	}
	if report != nil {
		if err := s.exporter.WriteReport(sess, report); err != nil {
			s.log.Warn("report export failed", "session_id", sess.SessionID, "err", err)
		}
	}
}

func passRate(report *analyzer.ComprehensiveReport) float64 {
	counted := report.HealthSummary.Total - report.HealthSummary.Skipped
	if counted <= 0 {
		return 0
	}
	return float64(report.HealthSummary.Passed) / float64(counted)
}

func shorten(commitID string) string {
	if commitID == "" {
		return "nocommit"
	}
	if len(commitID) > 7 {
		return commitID[:7]
	}
	return commitID
}
