package schedule

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	before time.Time
	count  int64
	err    error
	calls  int
}

func (r *recordingArchiver) ArchiveClosedPositions(_ context.Context, before time.Time) (int64, error) {
	r.calls++
	r.before = before
	return r.count, r.err
}

type recordingPruner struct {
	before time.Time
	count  int64
	err    error
	calls  int
}

func (r *recordingPruner) PruneArchivedBefore(_ context.Context, before time.Time) (int64, error) {
	r.calls++
	r.before = before
	return r.count, r.err
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRun_CutoffFromRetention(t *testing.T) {
	arch := &recordingArchiver{count: 7}
	job := NewArchiveJob(arch, nil, 30, 0, testLogger())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, arch.calls)

	want := time.Now().UTC().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, want, arch.before, 5*time.Second)
}

func TestRun_ArchiverError(t *testing.T) {
	boom := errors.New("bucket gone")
	pruner := &recordingPruner{}
	job := NewArchiveJob(&recordingArchiver{err: boom}, pruner, 7, 7, testLogger())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, pruner.calls, "a failed archive pass must not prune")
}

func TestRun_PrunesAfterArchive(t *testing.T) {
	pruner := &recordingPruner{count: 3}
	job := NewArchiveJob(&recordingArchiver{count: 5}, pruner, 30, 90, testLogger())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, pruner.calls)

	want := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, want, pruner.before, 5*time.Second)
}

func TestRun_PruneDisabledByZeroDays(t *testing.T) {
	pruner := &recordingPruner{}
	job := NewArchiveJob(&recordingArchiver{}, pruner, 30, 0, testLogger())

	require.NoError(t, job.Run(context.Background()))
	assert.Zero(t, pruner.calls)
}

func TestRun_PrunerError(t *testing.T) {
	boom := errors.New("journal gone")
	job := NewArchiveJob(&recordingArchiver{}, &recordingPruner{err: boom}, 30, 30, testLogger())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunCron_InvalidExpression(t *testing.T) {
	job := NewArchiveJob(&recordingArchiver{}, nil, 7, 0, testLogger())

	err := job.RunCron(context.Background(), "every day at three")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing cron expression")
}

func TestRunCron_StopsOnCancel(t *testing.T) {
	job := NewArchiveJob(&recordingArchiver{}, nil, 7, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- job.RunCron(ctx, "0 3 * * *")
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCron did not stop after cancellation")
	}
}
