package llmsvc

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskmesh/orchestrator/core"
)

// AnthropicClient is a second concrete LLMService backend, selected by
// TASKMESH_LLM_PROVIDER=anthropic. It satisfies the same core.AIClient
// contract as HTTPClient and SDKClient so the Planner Adapter, Step
// Executor and Result Parser never need to know which provider backs them.
type AnthropicClient struct {
	client anthropic.Client
	logger core.Logger
}

// NewAnthropicClient constructs an Anthropic-backed LLMService.
func NewAnthropicClient(apiKey string, logger core.Logger) *AnthropicClient {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// GenerateResponse implements core.AIClient / LLMService.
func (c *AnthropicClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{Model: string(anthropic.ModelClaude3_5HaikuLatest), MaxTokens: 2048}
	}

	maxTokens := int64(options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(options.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if options.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: options.SystemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &core.AIResponse{
		Content: content,
		Model:   string(msg.Model),
		Usage: core.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}
