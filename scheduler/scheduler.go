// Package scheduler implements the DAG Scheduler (C7): topologically
// schedules ready steps, propagates failure via skip cascades, and
// aggregates per-step context for downstream llm steps.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/executor"
	"github.com/taskmesh/orchestrator/model"
)

// Summary is the termination report returned by Run.
type Summary struct {
	Total             int
	Completed         int
	Failed            int
	Skipped           int
	CompletedResults  map[string]interface{}
	FailedStepIDs     []string
}

type workerResult struct {
	stepID  string
	result  executor.Result
}

// Scheduler runs a single plan to completion.
type Scheduler struct {
	exec        *executor.StepExecutor
	broadcaster *events.Broadcaster
	logger      core.Logger
}

// New constructs a Scheduler.
func New(exec *executor.StepExecutor, broadcaster *events.Broadcaster, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/scheduler")
	}
	return &Scheduler{exec: exec, broadcaster: broadcaster, logger: logger}
}

// Run executes plan's steps concurrently against pool, respecting the
// dependency graph, emitting step_started/step_completed/step_failed
// events through the broadcaster, and returning the termination summary.
func (s *Scheduler) Run(ctx context.Context, taskID string, plan *model.Plan, pool *browser.Pool) (Summary, error) {
	d := newDAG()
	for _, step := range plan.Steps {
		d.addNode(step.ID, step.DependsOn)
	}
	if err := d.validate(); err != nil {
		return Summary{}, err
	}

	stepsByID := make(map[string]*model.Step, len(plan.Steps))
	for _, st := range plan.Steps {
		stepsByID[st.ID] = st
	}

	completedResults := make(map[string]interface{})
	var completionOrder []string
	var failedIDs []string

	results := make(chan workerResult)
	inFlight := 0

	for {
		ready := d.readyNodes()
		for _, id := range ready {
			step := stepsByID[id]
			step.MarkRunning()
			d.markRunning(id)
			inFlight++

			s.broadcaster.Publish(events.Event{
				TaskID: taskID,
				Event:  events.KindStepStarted,
				Data:   map[string]interface{}{"step_id": id, "action": string(step.Action)},
			})

			stepContext := s.buildContext(step, stepsByID, completedResults, completionOrder)
			go s.runWorker(ctx, step, stepContext, pool, results)
		}

		if inFlight == 0 {
			break
		}

		r := <-results
		inFlight--

		step := stepsByID[r.stepID]
		if r.result.Success {
			step.MarkCompleted(r.result.Data, r.result.Retries, r.result.Cost)
			d.markCompleted(r.stepID)
			completedResults[r.stepID] = r.result.Data
			completionOrder = append(completionOrder, r.stepID)

			s.broadcaster.Publish(events.Event{
				TaskID: taskID,
				Event:  events.KindStepCompleted,
				Data:   map[string]interface{}{"step_id": r.stepID, "cost_usd": r.result.Cost, "retries": r.result.Retries},
			})
		} else {
			step.MarkFailed(r.result.Error, r.result.Retries, r.result.Cost)
			skipped := d.markFailed(r.stepID)
			failedIDs = append(failedIDs, r.stepID)

			s.broadcaster.Publish(events.Event{
				TaskID: taskID,
				Event:  events.KindStepFailed,
				Data:   map[string]interface{}{"step_id": r.stepID, "error": r.result.Error, "retries": r.result.Retries},
			})

			for _, skippedID := range skipped {
				stepsByID[skippedID].MarkSkipped()
			}
		}
	}

	completed, failed, skipped, total := d.counts()
	return Summary{
		Total:            total,
		Completed:        completed,
		Failed:           failed,
		Skipped:          skipped,
		CompletedResults: completedResults,
		FailedStepIDs:    failedIDs,
	}, nil
}

// buildContext assembles the dependency-result context for an llm step's
// prompt, per invariant 3: explicit dependencies' results when present,
// otherwise (empty depends_on, llm executor only) every completed result
// in the plan so far, in completion order.
func (s *Scheduler) buildContext(step *model.Step, stepsByID map[string]*model.Step, completed map[string]interface{}, completionOrder []string) map[string]interface{} {
	ctx := make(map[string]interface{})
	if len(step.DependsOn) > 0 {
		for _, dep := range step.DependsOn {
			if v, ok := completed[dep]; ok {
				ctx[dep] = v
			}
		}
		return ctx
	}
	if step.Executor == model.ExecutorLLM {
		for _, id := range completionOrder {
			ctx[id] = completed[id]
		}
	}
	return ctx
}

func (s *Scheduler) runWorker(ctx context.Context, step *model.Step, stepContext map[string]interface{}, pool *browser.Pool, results chan<- workerResult) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.logger.Error("step executor panic", map[string]interface{}{
				"step_id": step.ID,
				"panic":   fmt.Sprintf("%v", r),
			})
			results <- workerResult{stepID: step.ID, result: executor.Result{
				Success: false,
				Error:   fmt.Sprintf("panic: %v\n%s", r, stack),
			}}
		}
	}()

	res := s.exec.Execute(ctx, step, stepContext, pool)
	results <- workerResult{stepID: step.ID, result: res}
}
