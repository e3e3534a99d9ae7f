// Package executor implements the Step Executor (C5): dispatches a step to
// its backend, guarding every external call with a circuit breaker,
// retrying transient failures with exponential backoff, and charging cost.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskmesh/orchestrator/browser"
	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/llmsvc"
	"github.com/taskmesh/orchestrator/model"
	"github.com/taskmesh/orchestrator/resilience"
	"github.com/taskmesh/orchestrator/resultparser"
)

// nonRetryableMarker identifies deterministic external-agent errors (e.g.
// "ExceededMaxSteps") that must not be retried.
const nonRetryableMarker = "ExceededMaxSteps"

// Result is the outcome of a single step execution attempt.
type Result struct {
	Success bool
	Data    interface{}
	Error   string
	Cost    float64
	Retries int
}

// StepExecutor dispatches a step to its backend with retry, circuit
// breaking, cost accounting and result parsing.
type StepExecutor struct {
	llm           llmsvc.LLMService
	agent         llmsvc.BrowserAgent
	llmBreaker    *resilience.CircuitBreaker
	browserBreaker *resilience.CircuitBreaker
	parser        *resultparser.Parser
	browserTimeout time.Duration
	logger        core.Logger
}

// Config bundles an executor's collaborators.
type Config struct {
	LLM            llmsvc.LLMService
	Agent          llmsvc.BrowserAgent
	LLMBreaker     *resilience.CircuitBreaker
	BrowserBreaker *resilience.CircuitBreaker
	Parser         *resultparser.Parser
	BrowserTimeout time.Duration
	Logger         core.Logger
}

// New constructs a StepExecutor.
func New(cfg Config) *StepExecutor {
	if cfg.BrowserTimeout <= 0 {
		cfg.BrowserTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/executor")
	}
	return &StepExecutor{
		llm:            cfg.LLM,
		agent:          cfg.Agent,
		llmBreaker:     cfg.LLMBreaker,
		browserBreaker: cfg.BrowserBreaker,
		parser:         cfg.Parser,
		browserTimeout: cfg.BrowserTimeout,
		logger:         logger,
	}
}

// Execute dispatches step to the backend its Executor names, with retry
// and circuit breaking, and returns a Result that is never itself an error
// — exhaustion produces Result{Success:false}.
func (e *StepExecutor) Execute(ctx context.Context, step *model.Step, stepContext map[string]interface{}, pool *browser.Pool) Result {
	maxRetries := step.MaxRetries

	var lastResult Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return Result{Success: false, Error: ctx.Err().Error(), Retries: attempt}
		default:
		}

		var res Result
		switch step.Executor {
		case model.ExecutorBrowser:
			res = e.runBrowser(ctx, step, pool)
		case model.ExecutorLLM:
			res = e.runLLM(ctx, step, stepContext)
		default:
			return Result{Success: false, Error: fmt.Sprintf("unknown executor %q", step.Executor)}
		}
		res.Retries = attempt
		lastResult = res

		if res.Success {
			return res
		}

		if isCircuitOpenError(res.Error) {
			return res
		}
		if strings.Contains(res.Error, nonRetryableMarker) {
			return res
		}
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Success: false, Error: ctx.Err().Error(), Retries: attempt}
		case <-timer.C:
		}
	}
	return lastResult
}

func isCircuitOpenError(errMsg string) bool {
	return strings.Contains(errMsg, "circuit breaker") && strings.Contains(errMsg, "is open")
}

func (e *StepExecutor) runBrowser(ctx context.Context, step *model.Step, pool *browser.Pool) Result {
	if e.agent == nil {
		return Result{Success: false, Error: fmt.Sprintf("browser agent not configured: %s", nonRetryableMarker)}
	}

	prompt := BuildBrowserPrompt(step)
	domain := browser.DomainOf(step.Target)

	var sessionID string
	if pool != nil {
		if existing := pool.Peek(domain); existing != nil {
			// Already holding a session for this domain from an earlier step
			// in the same block: reuse it without taking another semaphore
			// slot or re-entering Acquire's domain lock.
			sessionID = existing.Domain()
		} else {
			session, err := pool.Acquire(ctx, domain)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			defer pool.Release()
			if session != nil {
				sessionID = session.Domain()
			}
		}
	}

	var agentResult *llmsvc.BrowserAgentResult
	err := e.browserBreaker.ExecuteWithTimeout(ctx, e.browserTimeout, func() error {
		var callErr error
		agentResult, callErr = e.agent.Run(ctx, sessionID, prompt)
		return callErr
	})
	if err != nil {
		return Result{Success: false, Error: classifyError(err)}
	}
	if agentResult.ErrorKind != "" {
		// The agent answered but reported an error of its own; its kind
		// leads the message so Execute can spot non-retryable kinds.
		return Result{Success: false, Error: fmt.Sprintf("%s: %s", agentResult.ErrorKind, strings.TrimSpace(agentResult.Raw))}
	}

	parsed := e.parser.Parse(ctx, agentResult.Raw, agentResult.Parsed)
	return Result{Success: true, Data: parsed, Cost: estimateBrowserCost()}
}

func (e *StepExecutor) runLLM(ctx context.Context, step *model.Step, stepContext map[string]interface{}) Result {
	systemPrompt := LLMSystemPrompt(step.Action)
	contextJSON, err := json.Marshal(stepContext)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("marshal context: %v", err)}
	}
	userMessage := fmt.Sprintf("%s\n\nContext:\n%s", step.Description, string(contextJSON))

	var resp *core.AIResponse
	callErr := e.llmBreaker.ExecuteWithTimeout(ctx, 0, func() error {
		var genErr error
		resp, genErr = e.llm.GenerateResponse(ctx, userMessage, &core.AIOptions{
			Temperature:  0.2,
			MaxTokens:    2048,
			SystemPrompt: systemPrompt,
		})
		return genErr
	})
	if callErr != nil {
		return Result{Success: false, Error: classifyError(callErr)}
	}

	parsed := e.parser.Parse(ctx, resp.Content, nil)
	cost := estimateLLMCost(userMessage+systemPrompt, resp.Content)
	return Result{Success: true, Data: parsed, Cost: cost}
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
