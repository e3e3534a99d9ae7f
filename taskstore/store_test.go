package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/model"
)

func TestStoreCreateAndGet(t *testing.T) {
	s := New(nil, nil)
	task := model.NewTask("find a laptop", model.FormatJSON, "tester")

	err := s.Create(context.Background(), task)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, model.TaskQueued, got.Status)
}

func TestStoreGetMissingTask(t *testing.T) {
	s := New(nil, nil)
	_, err := s.Get(context.Background(), "deadbeef0000")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestStoreSetPlanAndGetPlan(t *testing.T) {
	s := New(nil, nil)
	task := model.NewTask("compare prices", model.FormatSummary, "tester")
	require.NoError(t, s.Create(context.Background(), task))

	step := &model.Step{ID: "aaaaaaaa", Action: model.ActionNavigate, Executor: model.ExecutorBrowser, Status: model.StepPending}
	plan := model.NewPlan(task.ID, task.Command, []*model.Step{step})

	require.NoError(t, s.SetPlan(context.Background(), task, plan))

	got, err := s.GetPlan(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
	assert.Equal(t, plan, task.Plan)
}

func TestStoreListRecentOrdersNewestFirst(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()

	first := model.NewTask("first", model.FormatJSON, "tester")
	require.NoError(t, s.Create(ctx, first))
	second := model.NewTask("second", model.FormatJSON, "tester")
	require.NoError(t, s.Create(ctx, second))

	recent := s.ListRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0])
	assert.Equal(t, first.ID, recent[1])
}

func TestStoreListRecentMatchesCreationTimestampOrderWhenInsertedInOrder(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()

	// Backfilled tasks can be Created in an order that does not match their
	// CreatedAt timestamps (e.g. a batch import). recent must reflect
	// insertion order (what ListRecent promises); sortedByCreatedDesc
	// independently recomputes the timestamp-true order so the two can be
	// compared directly in this case where they happen to agree.
	now := time.Now().UTC()
	older := model.NewTask("older", model.FormatJSON, "tester")
	older.CreatedAt = now.Add(-time.Hour)
	newer := model.NewTask("newer", model.FormatJSON, "tester")
	newer.CreatedAt = now

	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.Create(ctx, newer))

	byTimestamp := sortedByCreatedDesc([]*model.Task{older, newer})
	require.Len(t, byTimestamp, 2)
	assert.Equal(t, newer.ID, byTimestamp[0].ID)
	assert.Equal(t, older.ID, byTimestamp[1].ID)

	recent := s.ListRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, byTimestamp[0].ID, recent[0])
	assert.Equal(t, byTimestamp[1].ID, recent[1])
}

func TestStoreListRecentRespectsLimit(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, model.NewTask("cmd", model.FormatJSON, "tester")))
	}
	assert.Len(t, s.ListRecent(2), 2)
	assert.Len(t, s.ListRecent(0), 5)
}
