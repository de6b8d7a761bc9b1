package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/config"
	"github.com/opsforge/foreman/pkg/events"
	"github.com/opsforge/foreman/pkg/models"
)

func newHeartbeatFixture(t *testing.T, interval, timeout time.Duration) (*MemoryRepository, *eventSink, *HeartbeatService) {
	t.Helper()
	repo := NewMemoryRepository()
	b := bus.New()
	sink := newEventSink(b)
	b.Start()
	t.Cleanup(b.Stop)

	stages, err := NewStageClassifier(config.DefaultStageRules())
	require.NoError(t, err)
	hb := NewHeartbeatService(repo, b, stages, interval, timeout)
	t.Cleanup(hb.StopAll)
	return repo, sink, hb
}

func TestHeartbeatEmitsProgress(t *testing.T) {
	repo, sink, hb := newHeartbeatFixture(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	task := models.NewTask("abcd0123", 1, "/srv/app", "prompt", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, task))
	out := "Running go test ./..."
	require.NoError(t, repo.UpdateProgress(ctx, task.TaskID, 0.3, &out))

	hb.Track(task.TaskID)
	waitFor(t, func() bool { return len(sink.ofType(events.TypeTaskProgress)) >= 2 }, "progress events")
	hb.Stop(task.TaskID)

	progress := sink.ofType(events.TypeTaskProgress)[0].(events.TaskProgress)
	assert.Equal(t, task.TaskID, progress.TaskID)
	assert.Equal(t, "running tests", progress.Stage)
	assert.InDelta(t, 0.3, progress.Cost, 1e-9)
	assert.Empty(t, sink.ofType(events.TypeTaskTimeout))
}

func TestHeartbeatTimeoutOnIdleTask(t *testing.T) {
	repo, sink, hb := newHeartbeatFixture(t, 10*time.Millisecond, 30*time.Millisecond)
	ctx := context.Background()

	task := models.NewTask("abcd0123", 1, "/srv/app", "prompt", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, task))

	hb.Track(task.TaskID)
	waitFor(t, func() bool { return len(sink.ofType(events.TypeTaskTimeout)) == 1 }, "timeout event")

	// The loop exits after reporting once; no second timeout arrives.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.ofType(events.TypeTaskTimeout), 1)

	timeout := sink.ofType(events.TypeTaskTimeout)[0].(events.TaskTimeout)
	assert.Equal(t, task.TaskID, timeout.TaskID)
	assert.Greater(t, timeout.IdleSeconds, -1)
}

func TestHeartbeatStopsWhenTaskFinishes(t *testing.T) {
	repo, sink, hb := newHeartbeatFixture(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	task := models.NewTask("abcd0123", 1, "/srv/app", "prompt", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.UpdateStatus(ctx, task.TaskID, models.StatusCompleted, StatusUpdate{}))

	hb.Track(task.TaskID)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.ofType(events.TypeTaskProgress))
	assert.Empty(t, sink.ofType(events.TypeTaskTimeout))
}

func TestHeartbeatTrackIsIdempotent(t *testing.T) {
	repo, sink, hb := newHeartbeatFixture(t, 20*time.Millisecond, time.Hour)
	ctx := context.Background()

	task := models.NewTask("abcd0123", 1, "/srv/app", "prompt", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.UpdateProgress(ctx, task.TaskID, 0, nil))

	hb.Track(task.TaskID)
	hb.Track(task.TaskID)
	waitFor(t, func() bool { return len(sink.ofType(events.TypeTaskProgress)) >= 1 }, "progress")
	hb.Stop(task.TaskID)
	hb.Stop(task.TaskID) // second stop is a no-op

	time.Sleep(50 * time.Millisecond) // let queued events drain
	n := len(sink.ofType(events.TypeTaskProgress))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(sink.ofType(events.TypeTaskProgress)), "no ticks after stop")
}