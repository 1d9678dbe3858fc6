package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/route"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{
		Prompt: "Review this code",
		Files:  []classify.FileRef{{Path: "main.go", Size: 1024}},
		Preferences: route.Preferences{
			PreferredService: "local",
		},
	}
	require.NoError(t, s.Create(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusQueued, task.Status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Review this code", got.Prompt)
	assert.Equal(t, []classify.FileRef{{Path: "main.go", Size: 1024}}, got.Files)
	assert.Equal(t, "local", got.Preferences.PreferredService)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestGetUnknownID(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))

	now := time.Now().UTC()
	err := s.Update(ctx, task.ID, map[string]any{
		"status":      StatusCompleted,
		"result":      "world",
		"mode":        "single",
		"services":    []string{"local"},
		"completedAt": now,
		"durationMs":  int64(1500),
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "world", got.Result)
	assert.Equal(t, route.Mode("single"), got.Mode)
	assert.Equal(t, []string{"local"}, got.Services)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(1500), got.DurationMs)
	// Untouched fields survive the partial update.
	assert.Equal(t, "hello", got.Prompt)
}

func TestUpdateUnknownField(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))

	err := s.Update(ctx, task.ID, map[string]any{"prompt": "mutated"})
	assert.Error(t, err)
}

func TestUpdateUnknownID(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(context.Background(), "nope", map[string]any{"status": StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := &Task{
			Prompt:    "task",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Create(ctx, task))
	}

	tasks, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i := 1; i < len(tasks); i++ {
		assert.True(t, !tasks[i-1].CreatedAt.Before(tasks[i].CreatedAt),
			"tasks not in most-recent-first order")
	}
}

func TestListFilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := &Task{Prompt: "t", Status: StatusCompleted}
		require.NoError(t, s.Create(ctx, task))
	}
	require.NoError(t, s.Create(ctx, &Task{Prompt: "t", Status: StatusFailed}))

	completed, err := s.List(ctx, StatusCompleted, 3)
	require.NoError(t, err)
	assert.Len(t, completed, 3)
	for _, task := range completed {
		assert.Equal(t, StatusCompleted, task.Status)
	}

	failed, err := s.List(ctx, StatusFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestDeleteIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{Prompt: "doomed"}
	require.NoError(t, s.Create(ctx, task))

	require.NoError(t, s.Delete(ctx, task.ID))
	_, err := s.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Second delete of the same id, and a delete of a never-existing id,
	// both succeed.
	require.NoError(t, s.Delete(ctx, task.ID))
	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{Prompt: "a", Status: StatusCompleted}))
	require.NoError(t, s.Create(ctx, &Task{Prompt: "b", Status: StatusCompleted}))
	require.NoError(t, s.Create(ctx, &Task{Prompt: "c", Status: StatusFailed}))

	cleared, err := s.Clear(ctx, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	remaining, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	cleared, err = s.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestBroadcastResultsExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{Prompt: "broadcast"}
	require.NoError(t, s.Create(ctx, task))

	first := BroadcastResult{Service: "local", Result: "answer", FragmentCount: 3}
	require.NoError(t, s.AppendBroadcastResult(ctx, task.ID, first))

	// A duplicate append for the same (task, service) pair is ignored.
	dup := BroadcastResult{Service: "local", Result: "different", FragmentCount: 9}
	require.NoError(t, s.AppendBroadcastResult(ctx, task.ID, dup))

	require.NoError(t, s.AppendBroadcastResult(ctx, task.ID, BroadcastResult{
		Service: "cloud-fast", Error: "timed out",
	}))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Broadcast, 2)

	byService := make(map[string]BroadcastResult)
	for _, r := range got.Broadcast {
		byService[r.Service] = r
	}
	assert.Equal(t, "answer", byService["local"].Result)
	assert.Equal(t, 3, byService["local"].FragmentCount)
	assert.Equal(t, "timed out", byService["cloud-fast"].Error)
}

func TestDeleteCascadesBroadcastResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &Task{Prompt: "broadcast"}
	require.NoError(t, s.Create(ctx, task))
	require.NoError(t, s.AppendBroadcastResult(ctx, task.ID, BroadcastResult{Service: "local"}))

	require.NoError(t, s.Delete(ctx, task.ID))

	results, err := s.broadcastResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{Prompt: "a", Status: StatusCompleted, DurationMs: 100}))
	require.NoError(t, s.Create(ctx, &Task{Prompt: "b", Status: StatusCompleted, DurationMs: 300}))
	require.NoError(t, s.Create(ctx, &Task{Prompt: "c", Status: StatusFailed, DurationMs: 9999}))
	require.NoError(t, s.Create(ctx, &Task{Prompt: "d"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[StatusQueued])
	// Only completed tasks count toward the average.
	assert.InDelta(t, 200.0, stats.AvgDurationMs, 0.001)
}

func TestStatsEmpty(t *testing.T) {
	s := openTestStore(t)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Zero(t, stats.AvgDurationMs)
}
