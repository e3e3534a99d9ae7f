package core

import "context"

// Logger is the minimal structured logging interface used throughout the
// engine. Every component accepts one at construction time and falls back
// to NoOpLogger when none is supplied.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component stamp its own name onto every log
// line emitted through it, without each component constructing its own
// logger from scratch.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// AIOptions configures a single call to an external reasoning service.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse is the result of an AIClient call.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reports token accounting for a single AI call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIClient is the contract every external LLM reasoning-service backend
// implements. The Planner Adapter, Step Executor (LLM steps) and Result
// Parser's repair strategy all depend on this interface rather than a
// concrete provider.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// NoOpLogger discards everything. Used as a safe default.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }
