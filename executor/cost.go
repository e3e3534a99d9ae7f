package executor

import "strings"

// costTable mirrors the original implementation's per-model rate table:
// a tiered input/output rate per 1k tokens for the LLM backend, and a flat
// per-step rate for the browser-agent backend.
var costTable = struct {
	llmInputPer1k  float64
	llmOutputPer1k float64
	browserPerStep float64
}{
	llmInputPer1k:  0.00006,
	llmOutputPer1k: 0.00024,
	browserPerStep: 0.002,
}

// estimateLLMCost estimates the USD cost of an LLM step from its combined
// prompt and reply text, using a word-count x 1.3 token estimate.
func estimateLLMCost(inputText, outputText string) float64 {
	inputTokens := float64(wordCount(inputText)) * 1.3
	outputTokens := float64(wordCount(outputText)) * 1.3

	cost := (inputTokens/1000)*costTable.llmInputPer1k + (outputTokens/1000)*costTable.llmOutputPer1k
	return roundTo(cost, 6)
}

// estimateBrowserCost returns the fixed per-step cost for a browser step.
func estimateBrowserCost() float64 {
	return costTable.browserPerStep
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}
