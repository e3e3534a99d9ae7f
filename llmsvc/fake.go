package llmsvc

import (
	"context"
	"errors"
	"sync"

	"github.com/taskmesh/orchestrator/core"
)

// FakeLLM is a scripted core.AIClient double for tests: it returns queued
// responses in order, optionally failing, and records every call it saw.
type FakeLLM struct {
	mu            sync.Mutex
	Responses     []string
	ResponseIndex int
	Err           error
	CallCount     int
	LastPrompt    string
	LastOptions   *core.AIOptions
}

// NewFakeLLM constructs a FakeLLM that replies with responses in order.
func NewFakeLLM(responses ...string) *FakeLLM {
	return &FakeLLM{Responses: responses}
}

// GenerateResponse implements core.AIClient.
func (f *FakeLLM) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount++
	f.LastPrompt = prompt
	f.LastOptions = options

	if f.Err != nil {
		return nil, f.Err
	}
	if f.ResponseIndex >= len(f.Responses) {
		return nil, errors.New("fake llm: no more scripted responses")
	}
	reply := f.Responses[f.ResponseIndex]
	f.ResponseIndex++

	return &core.AIResponse{
		Content: reply,
		Model:   "fake-model",
		Usage: core.TokenUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      (len(prompt) + len(reply)) / 4,
		},
	}, nil
}

// SetError makes every subsequent call fail with err.
func (f *FakeLLM) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// FakeBrowserAgent is a scripted BrowserAgent double for tests.
type FakeBrowserAgent struct {
	mu        sync.Mutex
	Results   []*BrowserAgentResult
	Index     int
	Err       error
	CallCount int
	LastPrompt string
}

// NewFakeBrowserAgent constructs a FakeBrowserAgent replying with results
// in order.
func NewFakeBrowserAgent(results ...*BrowserAgentResult) *FakeBrowserAgent {
	return &FakeBrowserAgent{Results: results}
}

// Run implements BrowserAgent.
func (f *FakeBrowserAgent) Run(ctx context.Context, sessionID, prompt string) (*BrowserAgentResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCount++
	f.LastPrompt = prompt

	if f.Err != nil {
		return nil, f.Err
	}
	if f.Index >= len(f.Results) {
		return nil, errors.New("fake browser agent: no more scripted results")
	}
	r := f.Results[f.Index]
	f.Index++
	return r, nil
}

// SetError makes every subsequent call fail with err.
func (f *FakeBrowserAgent) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}
