// Package llmsvc defines the external reasoning-service and browser-agent
// contracts the engine depends on, plus concrete clients for each.
package llmsvc

import (
	"context"

	"github.com/taskmesh/orchestrator/core"
)

// LLMService is the contract the Planner Adapter, Step Executor's llm
// steps, and Result Parser's repair strategy all depend on. It is
// shaped identically to core.AIClient so any core.AIClient implementation
// can back it directly.
type LLMService interface {
	core.AIClient
}

// BrowserAgentResult is the outcome of a single browser-agent call.
type BrowserAgentResult struct {
	// Parsed is a pre-parsed structured value, if the agent returns one
	// natively (strategy 1 of the Result Parser).
	Parsed interface{}
	// Raw is the agent's raw textual response.
	Raw string
	// CostUSD is the fixed per-step rate the agent charges.
	CostUSD float64
	// ErrorKind identifies deterministic agent errors (e.g.
	// "ExceededMaxSteps") so the Step Executor can treat them as
	// non-retryable.
	ErrorKind string
}

// BrowserAgent is the external, synchronous browser-automation service.
type BrowserAgent interface {
	// Run executes prompt against sessionID (empty if none/unconfigured) and
	// returns its result. Implementations must be safe to call from a
	// worker goroutine; they must not themselves spawn unbounded
	// concurrency.
	Run(ctx context.Context, sessionID string, prompt string) (*BrowserAgentResult, error)
}
