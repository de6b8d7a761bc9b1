package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/foreman/pkg/models"
	"github.com/opsforge/foreman/pkg/tasks"
)

func TestServiceSweepsFinishedTasks(t *testing.T) {
	repo := tasks.NewMemoryRepository()
	ctx := context.Background()

	old := models.NewTask("aaaa0000", 1, "/srv/a", "p", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.UpdateStatus(ctx, "aaaa0000", models.StatusCompleted, tasks.StatusUpdate{}))

	running := models.NewTask("bbbb0000", 1, "/srv/b", "p", 5, nil, nil)
	require.NoError(t, repo.Create(ctx, running))

	// Zero retention days disables the loop entirely.
	disabled := NewService(repo, 0, time.Millisecond)
	disabled.Start(ctx)
	disabled.Stop() // no-op, loop never started

	// Negative retention puts the cutoff in the future, sweeping everything
	// finished on the first pass.
	svc := NewService(repo, -1, time.Hour)
	svc.sweep(ctx)

	remaining, err := repo.Get(ctx, "bbbb0000")
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Equal(t, models.StatusRunning, remaining.Status)

	gone, err := repo.Get(ctx, "aaaa0000")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestServiceStartStop(t *testing.T) {
	repo := tasks.NewMemoryRepository()

	svc := NewService(repo, 30, 10*time.Millisecond)
	svc.Start(context.Background())
	svc.Start(context.Background()) // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	svc.Stop()
	svc.Stop() // second stop is safe
}
