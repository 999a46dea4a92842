package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLister struct {
	responses [][]DeploymentRecord
	errs      []error
	calls     int
}

func (s *scriptedLister) List(ctx context.Context) ([]DeploymentRecord, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.responses[i], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() PollConfig {
	return PollConfig{
		BaseInterval:           time.Millisecond,
		MaxInterval:            4 * time.Millisecond,
		Multiplier:             2,
		MaxConsecutiveFailures: 3,
		FallbackWait:           5 * time.Millisecond,
		WindowSize:             10,
	}
}

func TestPollReadyIsSuccess(t *testing.T) {
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{{ID: "d1", Status: StatusBuilding}},
		{{ID: "d1", Status: StatusReady, URL: "https://d1.example.com"}},
	}}
	p := NewPoller(lister, fastConfig(), testLogger())

	result := p.Poll(context.Background(), time.Second)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	require.NotNil(t, result.Deployment)
	assert.Equal(t, "d1", result.Deployment.ID)
	assert.Equal(t, 2, result.PollCount)
	assert.False(t, result.Fallback)
}

func TestPollErrorIsFailedWithRecord(t *testing.T) {
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{{ID: "d2", Status: StatusError}},
	}}
	p := NewPoller(lister, fastConfig(), testLogger())

	result := p.Poll(context.Background(), time.Second)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.NotNil(t, result.Deployment)
	assert.Equal(t, StatusError, result.Deployment.Status)
}

func TestPollTimesOutOnNonTerminal(t *testing.T) {
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{{ID: "d3", Status: StatusBuilding}},
	}}
	p := NewPoller(lister, fastConfig(), testLogger())

	result := p.Poll(context.Background(), 10*time.Millisecond)

	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Nil(t, result.Deployment)
}

func TestPollBackoffBounded(t *testing.T) {
	// With base b and budget W the loop can issue at most ceil(W/b) polls.
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{{ID: "d4", Status: StatusQueued}},
	}}
	cfg := fastConfig()
	cfg.BaseInterval = 2 * time.Millisecond
	p := NewPoller(lister, cfg, testLogger())

	maxWait := 20 * time.Millisecond
	result := p.Poll(context.Background(), maxWait)

	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.LessOrEqual(t, result.PollCount, int(maxWait/cfg.BaseInterval)+1)
}

func TestPollAbortsAfterConsecutiveFailures(t *testing.T) {
	boom := fmt.Errorf("lister exploded")
	lister := &scriptedLister{
		responses: [][]DeploymentRecord{nil, nil, nil},
		errs:      []error{boom, boom, boom},
	}
	p := NewPoller(lister, fastConfig(), testLogger())

	result := p.Poll(context.Background(), time.Second)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, result.PollCount)
}

func TestPollFailureCounterResetsOnSuccess(t *testing.T) {
	boom := fmt.Errorf("transient")
	lister := &scriptedLister{
		responses: [][]DeploymentRecord{
			nil,
			nil,
			{{ID: "d5", Status: StatusBuilding}},
			nil,
			nil,
			{{ID: "d5", Status: StatusReady, URL: "https://d5.example.com"}},
		},
		errs: []error{boom, boom, nil, boom, boom, nil},
	}
	p := NewPoller(lister, fastConfig(), testLogger())

	result := p.Poll(context.Background(), time.Second)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestPollFallbackWhenListerUnavailable(t *testing.T) {
	lister := &scriptedLister{
		responses: [][]DeploymentRecord{nil},
		errs:      []error{fmt.Errorf("wrapped: %w", ErrListerUnavailable)},
	}
	p := NewPoller(lister, fastConfig(), testLogger())

	start := time.Now()
	result := p.Poll(context.Background(), time.Second)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.True(t, result.Fallback)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollCancellationUnwindsSleep(t *testing.T) {
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{{ID: "d6", Status: StatusBuilding}},
	}}
	cfg := fastConfig()
	cfg.BaseInterval = time.Minute
	p := NewPoller(lister, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := p.Poll(ctx, time.Hour)

	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollWindowAccumulates(t *testing.T) {
	lister := &scriptedLister{responses: [][]DeploymentRecord{
		{
			{ID: "new", Status: StatusReady, URL: "https://new.example.com"},
			{ID: "old", Status: StatusError, URL: "https://old.example.com"},
		},
	}}
	p := NewPoller(lister, fastConfig(), testLogger())

	_ = p.Poll(context.Background(), time.Second)

	window := p.Window()
	if assert.Len(t, window, 2) {
		assert.Equal(t, "new", window[0].ID)
	}
}
