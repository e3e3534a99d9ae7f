package llmsvc

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskmesh/orchestrator/core"
)

// SDKClient is an LLMService backed by the go-openai SDK, offered as the
// SDK-backed alternative to HTTPClient behind the same core.AIClient
// contract. Selected via TASKMESH_LLM_PROVIDER=openai-sdk.
type SDKClient struct {
	client *openai.Client
	logger core.Logger
}

// NewSDKClient constructs an SDK-backed client. If baseURL is non-empty the
// client targets a custom OpenAI-compatible endpoint.
func NewSDKClient(apiKey, baseURL string, logger core.Logger) *SDKClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &SDKClient{client: openai.NewClientWithConfig(cfg), logger: logger}
}

// GenerateResponse implements core.AIClient / LLMService.
func (c *SDKClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{Model: openai.GPT4oMini, Temperature: 0.2, MaxTokens: 2048}
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: options.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       options.Model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm sdk returned no choices")
	}

	return &core.AIResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
