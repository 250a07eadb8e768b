package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := NewJournal(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestJournalRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	journal := newTestJournal(t)

	run, err := journal.CreateRun(ctx, "/dev/mmcblk1", true)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	require.Equal(t, StagePending, run.Stage)
	require.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, journal.SetRunStage(ctx, run.ID, StagePartition))
	require.NoError(t, journal.RecordEvent(ctx, run.ID, StageResult{Stage: StagePartition}))
	require.NoError(t, journal.FinishRun(ctx, run.ID, nil))

	got, err := journal.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "/dev/mmcblk1", got.Device)
	require.True(t, got.SkipBuild)
	require.Equal(t, StagePartition, got.Stage)
	require.Equal(t, RunStatusSucceeded, got.Status)
	require.Empty(t, got.Error)
}

func TestJournalFinishRunWithError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	journal := newTestJournal(t)

	run, err := journal.CreateRun(ctx, "/dev/mmcblk1", false)
	require.NoError(t, err)

	require.NoError(t, journal.FinishRun(ctx, run.ID, errors.New("mkfs exploded")))

	got, err := journal.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, got.Status)
	require.Equal(t, "mkfs exploded", got.Error)
}

func TestJournalRecordEventStoresBestEffortFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	journal := newTestJournal(t)

	run, err := journal.CreateRun(ctx, "/dev/mmcblk1", false)
	require.NoError(t, err)

	require.NoError(t, journal.RecordEvent(ctx, run.ID, StageResult{
		Stage:      "auto_login",
		Err:        errors.New("getty unit missing"),
		BestEffort: true,
	}))

	var stage, errText string
	var bestEffort bool
	row := journal.db.QueryRow(`SELECT stage, best_effort, error FROM run_events WHERE run_id = ?`, run.ID)
	require.NoError(t, row.Scan(&stage, &bestEffort, &errText))
	require.Equal(t, "auto_login", stage)
	require.True(t, bestEffort)
	require.Equal(t, "getty unit missing", errText)
}

func TestNewJournalUnwritablePath(t *testing.T) {
	t.Parallel()

	// sqlite defers file creation, so the failure surfaces on the first
	// statement; the handle must not leak.
	journal, err := NewJournal(filepath.Join(t.TempDir(), "missing", "runs.db"))
	require.Error(t, err)
	require.Nil(t, journal)
}

func TestJournalGetRunUnknownID(t *testing.T) {
	t.Parallel()

	journal := newTestJournal(t)
	_, err := journal.GetRun(context.Background(), "nope")
	require.Error(t, err)
}
