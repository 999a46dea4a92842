package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumina-studio/deploy-monitor/internal/session"
)

func newControllerFixture(t *testing.T) (*Controller, *session.Store, *Registry) {
	t.Helper()
	dataDir := t.TempDir()
	exporter, err := session.NewExporter(dataDir, nil, testLogger())
	require.NoError(t, err)
	store, err := session.Open(filepath.Join(dataDir, "sessions.db"), exporter, testLogger())
	require.NoError(t, err)

	registry := NewRegistry()
	return NewController(store, registry, testLogger()), store, registry
}

func TestRegistryCancelFiresAndForgets(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("s1", cancel)

	assert.True(t, r.Running("s1"))
	assert.True(t, r.Cancel("s1"))
	assert.Error(t, ctx.Err())
	assert.False(t, r.Running("s1"))
	assert.False(t, r.Cancel("s1"))
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	r.Register("a", cancelA)
	r.Register("b", cancelB)

	ids := r.CancelAll()

	assert.Len(t, ids, 2)
	assert.Error(t, ctxA.Err())
	assert.Error(t, ctxB.Err())
	assert.False(t, r.Running("a"))
}

func TestActiveCrossChecksRegistry(t *testing.T) {
	c, store, registry := newControllerFixture(t)

	live, err := store.Create(session.TriggerManual, "main", "aaaa1111bbb")
	require.NoError(t, err)
	stale, err := store.Create(session.TriggerManual, "main", "cccc2222ddd")
	require.NoError(t, err)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Register(live.SessionID, cancel)

	active, err := c.Active()
	require.NoError(t, err)
	require.Len(t, active, 2)

	byID := map[string]bool{}
	for _, a := range active {
		byID[a.SessionID] = a.TaskRunning
	}
	assert.True(t, byID[live.SessionID])
	assert.False(t, byID[stale.SessionID])
}

func TestStopClearsStaleRowWithoutLiveTask(t *testing.T) {
	c, store, _ := newControllerFixture(t)

	sess, err := store.Create(session.TriggerManual, "main", "aaaa1111bbb")
	require.NoError(t, err)

	require.NoError(t, c.Stop(sess.SessionID))

	got, err := store.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, got.Status)
}

func TestStopCancelsLiveTask(t *testing.T) {
	c, store, registry := newControllerFixture(t)

	sess, err := store.Create(session.TriggerManual, "main", "aaaa1111bbb")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	registry.Register(sess.SessionID, cancel)

	require.NoError(t, c.Stop(sess.SessionID))

	assert.Error(t, ctx.Err())
	assert.False(t, registry.Running(sess.SessionID))
}

func TestStopAllStopsEveryMonitoringSession(t *testing.T) {
	c, store, _ := newControllerFixture(t)

	_, err := store.Create(session.TriggerManual, "main", "aaaa1111bbb")
	require.NoError(t, err)
	_, err = store.Create(session.TriggerManual, "dev", "cccc2222ddd")
	require.NoError(t, err)

	stopped, err := c.StopAll()
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)

	remaining, err := store.List(session.Filter{Status: session.StatusMonitoring})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCleanDefaultsToSevenDays(t *testing.T) {
	c, _, _ := newControllerFixture(t)

	deleted, err := c.Clean(0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
