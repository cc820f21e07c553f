package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smprather/kicker/internal/domain"
)

func newTestHistoryStore(t *testing.T) *SQLiteHistoryStore {
	t.Helper()
	paths := NewPathSetWithHome(t.TempDir())
	store, err := NewSQLiteHistoryStore(paths)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteHistoryStore_RecordAndCountActions(t *testing.T) {
	store := newTestHistoryStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now, RuleID: 1, ScriptName: "check", Phase: domain.PhaseCheck, ExitCode: 1,
	}))
	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now, RuleID: 1, ScriptName: "act", Phase: domain.PhaseAction, ExitCode: 0,
	}))
	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now, RuleID: 2, ScriptName: "act", Phase: domain.PhaseAction, ExitCode: 0,
	}))

	count, err := store.ActionsSince(ctx, 1, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteHistoryStore_ActionsSinceExcludesOlderThanCutoff(t *testing.T) {
	store := newTestHistoryStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now.Add(-48 * time.Hour), RuleID: 1, ScriptName: "act", Phase: domain.PhaseAction, ExitCode: 0,
	}))
	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now.Add(-1 * time.Hour), RuleID: 1, ScriptName: "act", Phase: domain.PhaseAction, ExitCode: 0,
	}))

	count, err := store.ActionsSince(ctx, 1, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteHistoryStore_ActionsSinceIgnoresCheckPhase(t *testing.T) {
	store := newTestHistoryStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordExecution(ctx, domain.LogRecord{
		Timestamp: now, RuleID: 5, ScriptName: "check", Phase: domain.PhaseCheck, ExitCode: 0,
	}))

	count, err := store.ActionsSince(ctx, 5, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
