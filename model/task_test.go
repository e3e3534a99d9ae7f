package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIDAndStepIDLengths(t *testing.T) {
	taskID := NewTaskID()
	assert.Len(t, taskID, 12)

	stepID := NewStepID()
	assert.Len(t, stepID, 8)
}

func TestActionExecutorInvariant(t *testing.T) {
	cases := []struct {
		action Action
		want   Executor
	}{
		{ActionNavigate, ExecutorBrowser},
		{ActionSearch, ExecutorBrowser},
		{ActionExtract, ExecutorBrowser},
		{ActionClick, ExecutorBrowser},
		{ActionFill, ExecutorBrowser},
		{ActionCompare, ExecutorLLM},
		{ActionAnalyze, ExecutorLLM},
		{ActionRank, ExecutorLLM},
		{ActionSummarize, ExecutorLLM},
	}
	for _, c := range cases {
		got, ok := ActionExecutor(c.action)
		require.True(t, ok, "action %s should be recognized", c.action)
		assert.Equal(t, c.want, got)
	}

	_, ok := ActionExecutor(Action("dance"))
	assert.False(t, ok)
}

func TestStepMarkSkippedSetsDependencyFailedError(t *testing.T) {
	s := &Step{ID: "aaaaaaaa", Status: StepPending}
	s.MarkSkipped()
	assert.Equal(t, StepSkipped, s.Status)
	assert.Equal(t, "dependency failed", s.Error)
	require.NotNil(t, s.FinishedAt)
}

func TestTaskFinalizeSumsStepCosts(t *testing.T) {
	task := NewTask("find stuff", FormatJSON, "tester")
	task.Plan = NewPlan(task.ID, task.Command, []*Step{
		{ID: "aaaaaaaa", CostUSD: 0.05},
		{ID: "bbbbbbbb", CostUSD: 0.10},
	})

	task.Finalize(TaskCompleted, "")

	assert.Equal(t, TaskCompleted, task.Status)
	assert.InDelta(t, 0.15, task.CostUSD, 0.0001)
	require.NotNil(t, task.FinishedAt)
	assert.True(t, task.FinishedAt.After(task.CreatedAt) || task.FinishedAt.Equal(task.CreatedAt))
	assert.Equal(t, task.FinishedAt.Sub(task.CreatedAt).Milliseconds(), task.DurationMS)
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskPartial, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []TaskStatus{TaskQueued, TaskPlanning, TaskExecuting, TaskReplanning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestPlanStepByID(t *testing.T) {
	step := &Step{ID: "aaaaaaaa"}
	plan := NewPlan("task1", "cmd", []*Step{step})

	assert.Same(t, step, plan.StepByID("aaaaaaaa"))
	assert.Nil(t, plan.StepByID("missing0"))
}

func TestStepMarkCompletedAndFailedStampTimestamps(t *testing.T) {
	s := &Step{ID: "aaaaaaaa", Status: StepPending}
	s.MarkRunning()
	require.NotNil(t, s.StartedAt)

	before := time.Now().UTC()
	s.MarkCompleted(map[string]interface{}{"ok": true}, 1, 0.02)
	assert.Equal(t, StepCompleted, s.Status)
	assert.Equal(t, 1, s.Retries)
	assert.InDelta(t, 0.02, s.CostUSD, 0.0001)
	require.NotNil(t, s.FinishedAt)
	assert.True(t, !s.FinishedAt.Before(before.Add(-time.Second)))

	f := &Step{ID: "bbbbbbbb", Status: StepRunning}
	f.MarkFailed("boom", 2, 0.0)
	assert.Equal(t, StepFailed, f.Status)
	assert.Equal(t, "boom", f.Error)
	assert.Equal(t, 2, f.Retries)
}
