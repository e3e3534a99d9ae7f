package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/executor"
	"github.com/taskmesh/orchestrator/llmsvc"
	"github.com/taskmesh/orchestrator/model"
	"github.com/taskmesh/orchestrator/resilience"
	"github.com/taskmesh/orchestrator/resultparser"
)

func newTestExecutor(t *testing.T, llmReplies []string, browserReplies []*llmsvc.BrowserAgentResult) *executor.StepExecutor {
	t.Helper()
	fakeLLM := llmsvc.NewFakeLLM(llmReplies...)
	fakeAgent := llmsvc.NewFakeBrowserAgent(browserReplies...)
	return executor.New(executor.Config{
		LLM:            fakeLLM,
		Agent:          fakeAgent,
		LLMBreaker:     resilience.NewCircuitBreaker(resilience.Config{Name: "llm"}),
		BrowserBreaker: resilience.NewCircuitBreaker(resilience.Config{Name: "browser"}),
		Parser:         resultparser.New(nil, nil),
		BrowserTimeout: time.Second,
	})
}

func chainSteps(group string, ids [3]string, targetBase string) []*model.Step {
	return []*model.Step{
		{ID: ids[0], Action: model.ActionNavigate, Target: targetBase, Executor: model.ExecutorBrowser, Group: group, Status: model.StepPending},
		{ID: ids[1], Action: model.ActionSearch, Target: targetBase, Executor: model.ExecutorBrowser, Group: group, Status: model.StepPending, DependsOn: []string{ids[0]}},
		{ID: ids[2], Action: model.ActionExtract, Target: targetBase, Executor: model.ExecutorBrowser, Group: group, Status: model.StepPending, DependsOn: []string{ids[1]}},
	}
}

func TestSchedulerParallelTwoBranchAllSuccess(t *testing.T) {
	amazon := chainSteps("amazon", [3]string{"a1______", "a2______", "a3______"}, "https://amazon.com")
	bestbuy := chainSteps("bestbuy", [3]string{"b1______", "b2______", "b3______"}, "https://bestbuy.com")

	compareStep := &model.Step{ID: "compare0", Action: model.ActionCompare, Target: "aggregated", Executor: model.ExecutorLLM, DependsOn: []string{"a3______", "b3______"}, Status: model.StepPending}
	summarizeStep := &model.Step{ID: "summary0", Action: model.ActionSummarize, Target: "aggregated", Executor: model.ExecutorLLM, DependsOn: []string{"compare0"}, Status: model.StepPending}

	var steps []*model.Step
	steps = append(steps, amazon...)
	steps = append(steps, bestbuy...)
	steps = append(steps, compareStep, summarizeStep)

	plan := model.NewPlan("task1", "find a laptop", steps)

	browserReplies := []*llmsvc.BrowserAgentResult{
		{Raw: `{"ok":true}`}, {Raw: `{"ok":true}`}, {Raw: `{"extracted":[]}`},
		{Raw: `{"ok":true}`}, {Raw: `{"ok":true}`}, {Raw: `{"extracted":[]}`},
	}
	llmReplies := []string{`{"comparison":"done"}`, `{"summary":"done"}`}

	exec := newTestExecutor(t, llmReplies, browserReplies)
	broadcaster := events.NewBroadcaster(nil)
	sched := New(exec, broadcaster, nil)

	summary, err := sched.Run(context.Background(), plan.TaskID, plan, browser.New(nil, 3, nil))
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Total)
	assert.Equal(t, 8, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
}

func TestSchedulerSkipCascade(t *testing.T) {
	a := &model.Step{ID: "aaaaaaaa", Action: model.ActionNavigate, Target: "https://x.com", Executor: model.ExecutorBrowser, Status: model.StepPending, MaxRetries: 0}
	b := &model.Step{ID: "bbbbbbbb", Action: model.ActionSearch, Target: "https://x.com", Executor: model.ExecutorBrowser, Status: model.StepPending, DependsOn: []string{"aaaaaaaa"}}
	c := &model.Step{ID: "cccccccc", Action: model.ActionExtract, Target: "https://x.com", Executor: model.ExecutorBrowser, Status: model.StepPending, DependsOn: []string{"bbbbbbbb"}}

	plan := model.NewPlan("task2", "will fail", []*model.Step{a, b, c})

	exec := newTestExecutor(t, nil, nil) // no scripted responses: first browser call fails immediately
	broadcaster := events.NewBroadcaster(nil)
	sched := New(exec, broadcaster, nil)

	summary, err := sched.Run(context.Background(), plan.TaskID, plan, browser.New(nil, 3, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, model.StepSkipped, b.Status)
	assert.Equal(t, model.StepSkipped, c.Status)
	assert.Equal(t, "dependency failed", b.Error)
	assert.Equal(t, "dependency failed", c.Error)
}

func TestSchedulerBuildContextImplicitLLMContext(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	sched := New(exec, events.NewBroadcaster(nil), nil)

	stepsByID := map[string]*model.Step{
		"s1": {ID: "s1", Executor: model.ExecutorBrowser},
	}
	completed := map[string]interface{}{"s1": map[string]interface{}{"x": 1}}

	llmStep := &model.Step{ID: "s2", Executor: model.ExecutorLLM}
	ctx := sched.buildContext(llmStep, stepsByID, completed, []string{"s1"})
	assert.Contains(t, ctx, "s1")

	browserStep := &model.Step{ID: "s3", Executor: model.ExecutorBrowser}
	ctx2 := sched.buildContext(browserStep, stepsByID, completed, []string{"s1"})
	assert.Empty(t, ctx2)

	explicitStep := &model.Step{ID: "s4", Executor: model.ExecutorLLM, DependsOn: []string{"s1"}}
	ctx3 := sched.buildContext(explicitStep, stepsByID, completed, []string{"s1"})
	assert.Len(t, ctx3, 1)
	assert.Contains(t, ctx3, "s1")
}
