package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/llmsvc"
	"github.com/taskmesh/orchestrator/model"
)

func TestPlanFallsBackToHeuristicWhenLLMUnconfigured(t *testing.T) {
	a := New(nil, nil)
	plan, err := a.Plan(context.Background(), "task1", "find a laptop from amazon")
	require.NoError(t, err)
	require.NotEmpty(t, plan.Steps)

	// navigate -> search -> extract -> compare -> summarize
	assert.Equal(t, model.ActionNavigate, plan.Steps[0].Action)
	assert.Equal(t, model.ActionSummarize, plan.Steps[len(plan.Steps)-1].Action)
}

func TestPlanUsesLLMReplyWhenAvailable(t *testing.T) {
	llm := llmsvc.NewFakeLLM(`[
		{"action":"navigate","target":"https://www.amazon.com","description":"open amazon","executor":"browser","group":"amazon","depends_on":[]},
		{"action":"search","target":"https://www.amazon.com","description":"search for laptop","executor":"browser","group":"amazon","depends_on":[0]},
		{"action":"extract","target":"https://www.amazon.com","description":"extract results","executor":"browser","group":"amazon","depends_on":[1]},
		{"action":"summarize","target":"aggregated","description":"summarize","executor":"llm","group":"aggregate","depends_on":[2]}
	]`)
	a := New(llm, nil)

	plan, err := a.Plan(context.Background(), "task1", "find a laptop on amazon")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, 1, llm.CallCount)

	// dependency chain resolves from indices to generated step IDs
	assert.Equal(t, []string{plan.Steps[0].ID}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{plan.Steps[2].ID}, plan.Steps[3].DependsOn)
}

func TestPlanRejectsUnrecognizedAction(t *testing.T) {
	llm := llmsvc.NewFakeLLM(`[{"action":"teleport","target":"x","description":"d","executor":"browser","group":"g","depends_on":[]}]`)
	a := New(llm, nil)

	_, err := a.Plan(context.Background(), "task1", "do something weird")
	require.Error(t, err)
}

func TestValidateDAGDetectsCycle(t *testing.T) {
	steps := []*model.Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	err := validateDAG(steps)
	require.Error(t, err)
}

func TestValidateDAGDetectsUnknownDependency(t *testing.T) {
	steps := []*model.Step{
		{ID: "a", DependsOn: []string{"ghost"}},
	}
	err := validateDAG(steps)
	require.Error(t, err)
}

func TestHeuristicPlanAppendsCompareAndSummarizeAcrossBranches(t *testing.T) {
	raw := heuristicPlan("find a laptop from amazon and bestbuy")
	require.Len(t, raw, 8)
	assert.Equal(t, "compare", raw[6].Action)
	assert.Equal(t, "summarize", raw[7].Action)
	assert.ElementsMatch(t, []int{2, 5}, raw[6].DependsOn)
}
