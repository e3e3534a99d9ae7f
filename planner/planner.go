// Package planner implements the Planner Adapter (C6): produces a step
// graph from a natural-language command via an external LLM, with a
// deterministic heuristic fallback, and re-plans on total failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/model"
)

// rawStep is the wire shape the external LLM is asked to reply with: one
// element per step, dependencies expressed as indices into the array.
type rawStep struct {
	Action      string `json:"action"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Executor    string `json:"executor"`
	Group       string `json:"group"`
	DependsOn   []int  `json:"depends_on"`
}

// Adapter produces and re-produces plans from commands.
type Adapter struct {
	llm    core.AIClient
	logger core.Logger
}

// New constructs an Adapter. llm may be nil, in which case plan/replan
// always use the deterministic heuristic fallback.
func New(llm core.AIClient, logger core.Logger) *Adapter {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/planner")
	}
	return &Adapter{llm: llm, logger: logger}
}

const plannerSystemPrompt = `You are an autonomous task planner for a browser-automation and reasoning pipeline.
Given a user command, decompose it into a JSON array of steps. Each element must have:
  "action": one of navigate, search, extract, click, fill, compare, analyze, rank, summarize
  "target": a URL for browser actions, or "aggregated" for llm actions
  "description": a short human-readable description
  "executor": "browser" for navigate/search/extract/click/fill, "llm" for compare/analyze/rank/summarize
  "group": a short branch label grouping related steps
  "depends_on": array of zero-based indices into this array naming prerequisite steps
Reply with ONLY the JSON array, no commentary.`

// Plan invokes the external LLM to produce a fresh step graph for command,
// falling back to the deterministic heuristic planner when the LLM call
// fails. A reply that fails ingestion (unknown action, bad dependency,
// cycle) is returned as an error.
func (a *Adapter) Plan(ctx context.Context, taskID, command string) (*model.Plan, error) {
	raw, err := a.callLLM(ctx, command, plannerSystemPrompt, 0.2, nil)
	if err != nil {
		a.logger.Warn("planner LLM call failed, using heuristic fallback", map[string]interface{}{"error": err.Error()})
		raw = heuristicPlan(command)
	}
	return a.ingest(taskID, command, raw)
}

// Replan re-produces a step graph after a total-failure condition,
// informing the LLM of what failed and what context survived.
func (a *Adapter) Replan(ctx context.Context, taskID, command string, failedSteps []*model.Step, context_ map[string]interface{}) (*model.Plan, error) {
	summary := summarizeFailures(failedSteps)
	userPrefix := fmt.Sprintf("Previous attempt failed. Failures: %s\nSuccessful context so far: %s\n\nOriginal command: ", summary, mustJSON(context_))

	raw, err := a.callLLM(ctx, userPrefix+command, plannerSystemPrompt, 0.3, nil)
	if err != nil {
		a.logger.Warn("replanner LLM call failed, using heuristic fallback", map[string]interface{}{"error": err.Error()})
		raw = heuristicPlan(command)
	}
	return a.ingest(taskID, command, raw)
}

func summarizeFailures(steps []*model.Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, fmt.Sprintf("%s: %s", s.ID, s.Error))
	}
	return strings.Join(parts, "; ")
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (a *Adapter) callLLM(ctx context.Context, userMessage, systemPrompt string, temperature float32, _ interface{}) ([]rawStep, error) {
	if a.llm == nil {
		return nil, core.ErrMissingConfiguration
	}
	resp, err := a.llm.GenerateResponse(ctx, userMessage, &core.AIOptions{
		Temperature:  temperature,
		MaxTokens:    2048,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return nil, err
	}

	var steps []rawStep
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Content)), &steps); err != nil {
		return nil, fmt.Errorf("parse planner reply: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner reply contained no steps")
	}
	return steps, nil
}

// extractJSONArray trims any prose surrounding a JSON array in text.
func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start == -1 || end == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}

// heuristicPlan implements the deterministic fallback: for each detected
// known site, emit a navigate->search->extract chain; if none detected,
// target the default search site once. Append one compare step depending
// on all extract steps and one summarize step depending on compare.
func heuristicPlan(command string) []rawStep {
	sites := DetectKnownSites(command)
	if len(sites) == 0 {
		sites = []string{defaultSearchSite}
	}

	var steps []rawStep
	var extractIndices []int
	for _, site := range sites {
		group := site
		navIdx := len(steps)
		steps = append(steps, rawStep{
			Action: "navigate", Target: site, Description: "Open " + site,
			Executor: "browser", Group: group, DependsOn: nil,
		})
		searchIdx := len(steps)
		steps = append(steps, rawStep{
			Action: "search", Target: site, Description: "Search for the requested item on " + site,
			Executor: "browser", Group: group, DependsOn: []int{navIdx},
		})
		extractIdx := len(steps)
		steps = append(steps, rawStep{
			Action: "extract", Target: site, Description: "Extract top results from " + site,
			Executor: "browser", Group: group, DependsOn: []int{searchIdx},
		})
		extractIndices = append(extractIndices, extractIdx)
	}

	compareIdx := len(steps)
	steps = append(steps, rawStep{
		Action: "compare", Target: "aggregated", Description: "Compare extracted results across sites",
		Executor: "llm", Group: "aggregate", DependsOn: extractIndices,
	})
	steps = append(steps, rawStep{
		Action: "summarize", Target: "aggregated", Description: "Produce a final ranked summary",
		Executor: "llm", Group: "aggregate", DependsOn: []int{compareIdx},
	})

	return steps
}

// ingest converts index-based raw steps into a validated Plan with fresh
// step identifiers, normalizing Executor to the mandatory value per action
// and validating the resulting DAG (invariants 1-2).
func (a *Adapter) ingest(taskID, command string, raw []rawStep) (*model.Plan, error) {
	ids := make([]string, len(raw))
	for i := range raw {
		ids[i] = model.NewStepID()
	}

	steps := make([]*model.Step, len(raw))
	for i, r := range raw {
		action := model.Action(r.Action)
		executor, known := model.ActionExecutor(action)
		if !known {
			return nil, fmt.Errorf("%w: unrecognized action %q", core.ErrInvalidConfiguration, r.Action)
		}

		deps := make([]string, 0, len(r.DependsOn))
		for _, idx := range r.DependsOn {
			if idx < 0 || idx >= len(ids) {
				return nil, fmt.Errorf("%w: depends_on index %d out of range", core.ErrUnknownDependency, idx)
			}
			deps = append(deps, ids[idx])
		}

		steps[i] = &model.Step{
			ID:          ids[i],
			Action:      action,
			Target:      r.Target,
			Description: r.Description,
			Executor:    executor, // normalized, ignoring any mismatched r.Executor
			Group:       r.Group,
			DependsOn:   deps,
			Status:      model.StepPending,
			MaxRetries:  3,
		}
	}

	if err := validateDAG(steps); err != nil {
		return nil, err
	}

	return model.NewPlan(taskID, command, steps), nil
}

// validateDAG enforces invariants 1-2: acyclic, and every dependency
// resolves to a step in the same plan.
func validateDAG(steps []*model.Step) error {
	byID := make(map[string]*model.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", core.ErrUnknownDependency, s.ID, dep)
			}
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		inStack[id] = true
		for _, dep := range byID[id].DependsOn {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if inStack[dep] {
				return true
			}
		}
		inStack[id] = false
		return false
	}
	for _, s := range steps {
		if !visited[s.ID] {
			if visit(s.ID) {
				return core.ErrCyclicDependency
			}
		}
	}
	return nil
}
