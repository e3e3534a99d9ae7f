// Package pipeline implements the Pipeline Driver (C8): the end-to-end
// sequencer that admits a task, plans it, executes it, degrades to a single
// re-plan on total branch failure, and finalizes terminal state — with an
// outer fault floor that guarantees every task reaches a terminal status.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/events"
	"github.com/taskmesh/orchestrator/model"
	"github.com/taskmesh/orchestrator/output"
	"github.com/taskmesh/orchestrator/planner"
	"github.com/taskmesh/orchestrator/scheduler"
	"github.com/taskmesh/orchestrator/taskstore"
)

// StepTrace is one entry in a finished task's timing trace.
type StepTrace struct {
	StepID     string  `json:"step_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	Retries    int     `json:"retries"`
	CostUSD    float64 `json:"cost_usd"`
}

// TaskDoneData is the payload of the terminal task_done event.
type TaskDoneData struct {
	Status        model.TaskStatus `json:"status"`
	CostUSD       float64          `json:"cost_usd"`
	DurationMS    int64            `json:"duration_ms"`
	StepsTotal    int              `json:"steps_total"`
	StepsCompleted int             `json:"steps_completed"`
	StepsFailed   int              `json:"steps_failed"`
	StepsSkipped  int              `json:"steps_skipped"`
	PlanningMS    int64            `json:"planning_ms"`
	ExecutionMS   int64            `json:"execution_ms"`
	Steps         []StepTrace      `json:"steps"`
	Error         string           `json:"error,omitempty"`
}

// BrowserAgentFactory constructs a fresh browser.Agent for one task's
// session pool. May return nil to run with no browser backend configured.
type BrowserAgentFactory func() browser.Agent

// Driver wires together every per-task collaborator and runs tasks to a
// terminal state.
type Driver struct {
	store               *taskstore.Store
	planner             *planner.Adapter
	newScheduler        func() *scheduler.Scheduler
	broadcaster         *events.Broadcaster
	browserAgentFactory BrowserAgentFactory
	maxSessions         int
	logger              core.Logger
}

// Config bundles a Driver's collaborators.
type Config struct {
	Store               *taskstore.Store
	Planner             *planner.Adapter
	NewScheduler        func() *scheduler.Scheduler
	Broadcaster         *events.Broadcaster
	BrowserAgentFactory BrowserAgentFactory
	MaxSessions         int
	Logger              core.Logger
}

// New constructs a Driver.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/pipeline")
	}
	return &Driver{
		store:               cfg.Store,
		planner:             cfg.Planner,
		newScheduler:        cfg.NewScheduler,
		broadcaster:         cfg.Broadcaster,
		browserAgentFactory: cfg.BrowserAgentFactory,
		maxSessions:         cfg.MaxSessions,
		logger:              logger,
	}
}

// Admit constructs and persists a new Task in the queued state without
// running it, so a caller (e.g. the async submission path of
// transport/http) can hand the Task envelope back immediately and drive
// RunTask separately in the background.
func (d *Driver) Admit(ctx context.Context, command string, format model.OutputFormat, owner string) *model.Task {
	task := model.NewTask(command, format, owner)
	if err := d.store.Create(ctx, task); err != nil {
		d.logger.Error("failed to admit task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
	return task
}

// Run admits, plans and executes command as a new task, always returning a
// task that has reached a terminal status. It never returns an error: any
// unhandled failure is captured by the fault floor and reflected in the
// returned task's Status/Error fields instead.
func (d *Driver) Run(ctx context.Context, command string, format model.OutputFormat, owner string) *model.Task {
	task := d.Admit(ctx, command, format, owner)
	d.RunTask(ctx, task)
	return task
}

// RunTask plans and executes an already-admitted task to a terminal status.
// Like Run, it never returns an error.
func (d *Driver) RunTask(ctx context.Context, task *model.Task) {
	var pool *browser.Pool
	defer func() {
		if pool != nil {
			pool.Shutdown(context.Background())
		}
	}()

	func() {
		defer d.faultFloor(ctx, task)

		var agent browser.Agent
		if d.browserAgentFactory != nil {
			agent = d.browserAgentFactory()
		}
		pool = browser.New(agent, d.maxSessions, d.logger)

		d.runPipeline(ctx, task, pool)
	}()
}

// faultFloor catches any panic escaping the pipeline stages, forces the
// task to a terminal failed status, and emits the terminal task_done event
// that would otherwise never be sent.
func (d *Driver) faultFloor(ctx context.Context, task *model.Task) {
	r := recover()
	if r == nil {
		return
	}
	d.logger.Error("pipeline fault floor caught panic", map[string]interface{}{
		"task_id": task.ID,
		"panic":   fmt.Sprintf("%v", r),
		"stack":   string(debug.Stack()),
	})

	task.Finalize(model.TaskFailed, fmt.Sprintf("internal error: %v", r))
	_ = d.store.Persist(ctx, task)

	d.broadcaster.Publish(events.Event{
		TaskID: task.ID,
		Event:  events.KindTaskDone,
		Data: TaskDoneData{
			Status: task.Status,
			Error:  task.Error,
		},
	})
}

func (d *Driver) runPipeline(ctx context.Context, task *model.Task, pool *browser.Pool) {
	planningStart := time.Now()

	task.Status = model.TaskPlanning
	_ = d.store.Persist(ctx, task)
	d.broadcaster.Publish(events.Event{TaskID: task.ID, Event: events.KindPlanningStarted, Data: nil})
	d.broadcaster.Publish(events.Event{
		TaskID: task.ID,
		Event:  events.KindPlanningReasoning,
		Data:   map[string]interface{}{"text": planningReasoning(task.Command)},
	})

	plan, err := d.planner.Plan(ctx, task.ID, task.Command)
	if err != nil {
		task.Finalize(model.TaskFailed, fmt.Sprintf("planning failed: %v", err))
		_ = d.store.Persist(ctx, task)
		d.emitTaskDone(task, 0, 0, nil)
		return
	}
	planningMS := time.Since(planningStart).Milliseconds()

	_ = d.store.SetPlan(ctx, task, plan)
	d.broadcaster.Publish(events.Event{
		TaskID: task.ID,
		Event:  events.KindPlanReady,
		Data:   map[string]interface{}{"steps": plan.Steps, "planning_ms": planningMS, "is_replan": false},
	})

	task.Status = model.TaskExecuting
	_ = d.store.Persist(ctx, task)

	executionStart := time.Now()
	sched := d.newScheduler()
	summary, err := sched.Run(ctx, task.ID, plan, pool)
	if err != nil {
		task.Finalize(model.TaskFailed, fmt.Sprintf("scheduling failed: %v", err))
		_ = d.store.Persist(ctx, task)
		d.emitTaskDone(task, planningMS, time.Since(executionStart).Milliseconds(), nil)
		return
	}
	executionMS := time.Since(executionStart).Milliseconds()

	// Degrade: every branch failed, no completions at all. At most one
	// re-plan per task.
	if summary.Completed == 0 && summary.Failed > 0 {
		task.Status = model.TaskReplanning
		_ = d.store.Persist(ctx, task)
		d.broadcaster.Publish(events.Event{TaskID: task.ID, Event: events.KindReplanning, Data: nil})

		failedSteps := make([]*model.Step, 0, len(summary.FailedStepIDs))
		for _, id := range summary.FailedStepIDs {
			if s := plan.StepByID(id); s != nil {
				failedSteps = append(failedSteps, s)
			}
		}

		replanStart := time.Now()
		replan, err := d.planner.Replan(ctx, task.ID, task.Command, failedSteps, summary.CompletedResults)
		if err != nil {
			task.Finalize(model.TaskFailed, fmt.Sprintf("replanning failed: %v", err))
			_ = d.store.Persist(ctx, task)
			d.emitTaskDone(task, planningMS, executionMS, nil)
			return
		}
		replanningMS := time.Since(replanStart).Milliseconds()

		_ = d.store.SetPlan(ctx, task, replan)
		d.broadcaster.Publish(events.Event{
			TaskID: task.ID,
			Event:  events.KindPlanReady,
			Data:   map[string]interface{}{"steps": replan.Steps, "planning_ms": replanningMS, "is_replan": true},
		})

		task.Status = model.TaskExecuting
		_ = d.store.Persist(ctx, task)

		executionStart = time.Now()
		sched = d.newScheduler()
		summary, err = sched.Run(ctx, task.ID, replan, pool)
		if err != nil {
			task.Finalize(model.TaskFailed, fmt.Sprintf("scheduling failed: %v", err))
			_ = d.store.Persist(ctx, task)
			d.emitTaskDone(task, planningMS, executionMS, nil)
			return
		}
		executionMS += time.Since(executionStart).Milliseconds()
		plan = replan
	}

	d.finalize(ctx, task, plan, summary, planningMS, executionMS)
}

func (d *Driver) finalize(ctx context.Context, task *model.Task, plan *model.Plan, summary scheduler.Summary, planningMS, executionMS int64) {
	status := model.TaskCompleted
	switch {
	case summary.Completed > 0 && summary.Failed > 0:
		status = model.TaskPartial
	case summary.Completed == 0 && summary.Failed > 0:
		status = model.TaskFailed
	}

	formatted, err := output.Format(plan, task.Command, task.Format)
	if err != nil {
		d.logger.Warn("output formatting failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
	task.Output = formatted

	task.Finalize(status, "")
	_ = d.store.Persist(ctx, task)

	d.emitTaskDone(task, planningMS, executionMS, plan)
}

func (d *Driver) emitTaskDone(task *model.Task, planningMS, executionMS int64, plan *model.Plan) {
	data := TaskDoneData{
		Status:      task.Status,
		CostUSD:     task.CostUSD,
		DurationMS:  task.DurationMS,
		PlanningMS:  planningMS,
		ExecutionMS: executionMS,
		Error:       task.Error,
	}
	if plan != nil {
		data.StepsTotal = len(plan.Steps)
		for _, s := range plan.Steps {
			switch s.Status {
			case model.StepCompleted:
				data.StepsCompleted++
			case model.StepFailed:
				data.StepsFailed++
			case model.StepSkipped:
				data.StepsSkipped++
			}
			data.Steps = append(data.Steps, StepTrace{
				StepID:     s.ID,
				Status:     string(s.Status),
				StartedAt:  formatTimePtr(s.StartedAt),
				FinishedAt: formatTimePtr(s.FinishedAt),
				DurationMS: stepDurationMS(s),
				Retries:    s.Retries,
				CostUSD:    s.CostUSD,
			})
		}
	}

	d.broadcaster.Publish(events.Event{TaskID: task.ID, Event: events.KindTaskDone, Data: data})
}

func stepDurationMS(s *model.Step) int64 {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt).Milliseconds()
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

// planningReasoning produces a deterministic, locally-generated
// human-readable line describing the plan about to be requested, purely
// for perceived latency while the external planner call is in flight.
func planningReasoning(command string) string {
	sites := planner.DetectKnownSites(command)
	if len(sites) == 0 {
		return fmt.Sprintf("Analyzing the request %q to determine the best sources to search.", command)
	}
	return fmt.Sprintf("Identified %d relevant source(s) for %q; building a step plan.", len(sites), command)
}
