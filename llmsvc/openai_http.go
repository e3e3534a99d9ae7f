package llmsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskmesh/orchestrator/core"
)

// HTTPClient is a zero-dependency LLMService backed by a hand-rolled
// OpenAI-compatible chat completions call. It is the default client: no
// third-party SDK is required to exercise it, only an API key and
// (optionally) a BaseURL pointed at any OpenAI-compatible endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPClient constructs the default HTTP-based LLMService.
func NewHTTPClient(apiKey, baseURL string, logger core.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &HTTPClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// GenerateResponse implements core.AIClient / LLMService.
func (c *HTTPClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("llm api key not configured")
	}
	if options == nil {
		options = &core.AIOptions{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048}
	}

	var messages []map[string]string
	if options.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": options.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	reqBody := map[string]interface{}{
		"model":       options.Model,
		"messages":    messages,
		"temperature": options.Temperature,
		"max_tokens":  options.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm service error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm service returned no choices")
	}

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
