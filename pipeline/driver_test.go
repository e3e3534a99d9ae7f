package pipeline

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
	"github.com/taskmesh/orchestrator/planner"
	"github.com/taskmesh/orchestrator/resilience"
	"github.com/taskmesh/orchestrator/resultparser"
	"github.com/taskmesh/orchestrator/scheduler"
	"github.com/taskmesh/orchestrator/taskstore"
)

func newTestDriver(t *testing.T, llm *llmsvc.FakeLLM, agent *llmsvc.FakeBrowserAgent) *Driver {
	t.Helper()
	exec := executor.New(executor.Config{
		LLM:            llm,
		Agent:          agent,
		LLMBreaker:     resilience.NewCircuitBreaker(resilience.Config{Name: "llm"}),
		BrowserBreaker: resilience.NewCircuitBreaker(resilience.Config{Name: "browser"}),
		Parser:         resultparser.New(nil, nil),
		BrowserTimeout: time.Second,
	})
	broadcaster := events.NewBroadcaster(nil)
	store := taskstore.New(nil, nil)

	return New(Config{
		Store:   store,
		Planner: planner.New(nil, nil), // heuristic-only: deterministic, no external call
		NewScheduler: func() *scheduler.Scheduler {
			return scheduler.New(exec, broadcaster, nil)
		},
		Broadcaster:         broadcaster,
		BrowserAgentFactory: func() browser.Agent { return nil },
		MaxSessions:         3,
	})
}

func TestDriverRunCompletesHeuristicPlanSuccessfully(t *testing.T) {
	agent := llmsvc.NewFakeBrowserAgent(
		&llmsvc.BrowserAgentResult{Raw: `{}`}, // navigate
		&llmsvc.BrowserAgentResult{Raw: `{}`}, // search
		&llmsvc.BrowserAgentResult{Raw: `{"extracted":[{"name":"X","price":100,"rating":4.5,"source":"a"}]}`}, // extract
	)
	llm := llmsvc.NewFakeLLM(`{"comparison":"done"}`, `{"summary":"X is the best option."}`)

	driver := newTestDriver(t, llm, agent)
	task := driver.Run(context.Background(), "find a laptop from amazon", model.FormatJSON, "tester")

	require.True(t, task.Status.IsTerminal())
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Contains(t, task.Output, `"total_results":1`)
}

func TestDriverRunReplansOnTotalBranchFailure(t *testing.T) {
	agent := llmsvc.NewFakeBrowserAgent() // no scripted results: first call fails
	llm := llmsvc.NewFakeLLM(`{"comparison":"done"}`, `{"summary":"nothing found"}`)

	driver := newTestDriver(t, llm, agent)
	task := driver.Run(context.Background(), "search newegg for blenders", model.FormatSummary, "tester")

	require.True(t, task.Status.IsTerminal())
	// both the initial attempt and the single re-plan exhaust the same failing
	// agent, so the task ultimately fails with no successful steps.
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestDriverRunFinalizesPartialOnMixedOutcome(t *testing.T) {
	// A two-branch plan (amazon, bestbuy) needs six browser calls; scripting
	// only three guarantees one branch runs dry mid-chain while the other,
	// dispatched concurrently, can still complete.
	agent := llmsvc.NewFakeBrowserAgent(
		&llmsvc.BrowserAgentResult{Raw: `{}`},
		&llmsvc.BrowserAgentResult{Raw: `{}`},
		&llmsvc.BrowserAgentResult{Raw: `{"extracted":[{"name":"X","price":100,"rating":4.5,"source":"a"}]}`},
	)
	llm := llmsvc.NewFakeLLM(`{"comparison":"done"}`, `{"summary":"done"}`, `{"comparison":"done"}`, `{"summary":"done"}`)
	driver := newTestDriver(t, llm, agent)

	task := driver.Run(context.Background(), "find a laptop from amazon and bestbuy", model.FormatJSON, "tester")
	require.True(t, task.Status.IsTerminal())
	assert.Equal(t, model.TaskPartial, task.Status)
}
