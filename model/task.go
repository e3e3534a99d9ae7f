// Package model defines the shared data types passed between every
// component of the orchestration engine: Task, Plan and Step, plus their
// state machines and identifier generators.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// TaskStatus is the state machine driving a Task from admission to a
// terminal outcome. Only the Pipeline Driver makes transitions.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskPlanning    TaskStatus = "planning"
	TaskExecuting   TaskStatus = "executing"
	TaskReplanning  TaskStatus = "replanning"
	TaskCompleted   TaskStatus = "completed"
	TaskPartial     TaskStatus = "partial"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskPartial, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// OutputFormat selects how a finished task's results are rendered.
type OutputFormat string

const (
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
	FormatSummary OutputFormat = "summary"
)

// Task is the top-level unit of work tracked by the engine.
type Task struct {
	ID         string       `json:"id"`
	Command    string       `json:"command"`
	Format     OutputFormat `json:"output_format"`
	Owner      string       `json:"owner,omitempty"`
	Status     TaskStatus   `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	CostUSD    float64      `json:"cost_usd"`
	Error      string       `json:"error,omitempty"`
	Output     string       `json:"output,omitempty"`
	Plan       *Plan        `json:"plan,omitempty"`
}

// NewTask constructs a Task in the queued state.
func NewTask(command string, format OutputFormat, owner string) *Task {
	return &Task{
		ID:        NewTaskID(),
		Command:   command,
		Format:    format,
		Owner:     owner,
		Status:    TaskQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Finalize sets the given terminal status and stamps the bookkeeping fields
// per invariant 7 (finished_at >= created_at, duration derived from
// the delta) and invariant 6 (cost is the sum of step costs).
func (t *Task) Finalize(status TaskStatus, errMsg string) {
	now := time.Now().UTC()
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.FinishedAt = &now
	t.DurationMS = now.Sub(t.CreatedAt).Milliseconds()
	t.Status = status
	t.Error = errMsg
	if t.Plan != nil {
		var total float64
		for _, s := range t.Plan.Steps {
			total += s.CostUSD
		}
		t.CostUSD = total
	}
}

// Plan is an immutable (post-installation) ordered sequence of steps
// produced by the Planner Adapter.
type Plan struct {
	TaskID    string    `json:"task_id"`
	Command   string    `json:"command"`
	Steps     []*Step   `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan constructs a Plan with a fresh creation timestamp.
func NewPlan(taskID, command string, steps []*Step) *Plan {
	return &Plan{
		TaskID:    taskID,
		Command:   command,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

// StepByID returns the step with the given identifier, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Executor identifies which backend a step dispatches to.
type Executor string

const (
	ExecutorBrowser Executor = "browser"
	ExecutorLLM     Executor = "llm"
)

// Action is one of the fixed, recognized step actions. ActionExecutor
// enforces the invariant that each action has exactly one valid Executor.
type Action string

const (
	ActionNavigate  Action = "navigate"
	ActionSearch    Action = "search"
	ActionExtract   Action = "extract"
	ActionClick     Action = "click"
	ActionFill      Action = "fill"
	ActionCompare   Action = "compare"
	ActionAnalyze   Action = "analyze"
	ActionRank      Action = "rank"
	ActionSummarize Action = "summarize"
)

var browserActions = map[Action]bool{
	ActionNavigate: true,
	ActionSearch:   true,
	ActionExtract:  true,
	ActionClick:    true,
	ActionFill:     true,
}

var llmActions = map[Action]bool{
	ActionCompare:   true,
	ActionAnalyze:   true,
	ActionRank:      true,
	ActionSummarize: true,
}

// ActionExecutor returns the mandatory Executor for action, and false if
// action is not recognized.
func ActionExecutor(action Action) (Executor, bool) {
	if browserActions[action] {
		return ExecutorBrowser, true
	}
	if llmActions[action] {
		return ExecutorLLM, true
	}
	return "", false
}

// Step is a single unit of work within a Plan.
type Step struct {
	ID           string         `json:"id"`
	Action       Action         `json:"action"`
	Target       string         `json:"target"`
	Description  string         `json:"description"`
	Executor     Executor       `json:"executor"`
	Group        string         `json:"group"`
	DependsOn    []string       `json:"depends_on"`
	Status       StepStatus     `json:"status"`
	Result       interface{}    `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Retries      int            `json:"retries"`
	MaxRetries   int            `json:"max_retries"`
	CostUSD      float64        `json:"cost_usd"`
}

// TargetIsAggregated reports whether this step has no single navigation
// target, i.e. operates purely on aggregated context (the literal
// "aggregated" target used by compare/summarize/analyze/rank steps).
func (s *Step) TargetIsAggregated() bool {
	return s.Target == "aggregated"
}

// MarkRunning transitions a pending step to running.
func (s *Step) MarkRunning() {
	now := time.Now().UTC()
	s.Status = StepRunning
	s.StartedAt = &now
}

// MarkCompleted transitions a running step to completed, recording its
// result, attempt count and incurred cost.
func (s *Step) MarkCompleted(result interface{}, retries int, cost float64) {
	now := time.Now().UTC()
	s.Status = StepCompleted
	s.Result = result
	s.Retries = retries
	s.CostUSD = cost
	s.FinishedAt = &now
}

// MarkFailed transitions a running step to failed, recording the error.
func (s *Step) MarkFailed(errMsg string, retries int, cost float64) {
	now := time.Now().UTC()
	s.Status = StepFailed
	s.Error = errMsg
	s.Retries = retries
	s.CostUSD = cost
	s.FinishedAt = &now
}

// MarkSkipped transitions a pending step to skipped because a transitive
// dependency failed or was itself skipped.
func (s *Step) MarkSkipped() {
	now := time.Now().UTC()
	s.Status = StepSkipped
	s.Error = "dependency failed"
	s.FinishedAt = &now
}

// NewTaskID generates a 12 hex character random task identifier.
func NewTaskID() string {
	return randomHex(6)
}

// NewStepID generates an 8 hex character random step identifier.
func NewStepID() string {
	return randomHex(4)
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// degrade to a fixed-but-distinguishable value rather than panic.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	return hex.EncodeToString(buf)
}
