package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/orchestrator/model"
)

func TestBuildBrowserPromptNavigate(t *testing.T) {
	step := &model.Step{Action: model.ActionNavigate, Target: "https://www.amazon.com"}
	assert.Equal(t, "Go to https://www.amazon.com", BuildBrowserPrompt(step))
}

func TestBuildBrowserPromptSearchUsesDirectURLForKnownSite(t *testing.T) {
	step := &model.Step{
		Action:      model.ActionSearch,
		Target:      "https://www.amazon.com",
		Description: "Search for: wireless mouse",
	}
	got := BuildBrowserPrompt(step)
	assert.Contains(t, got, "amazon.com/s?k=wireless")
}

func TestBuildBrowserPromptSearchFallsBackForUnknownSite(t *testing.T) {
	step := &model.Step{
		Action:      model.ActionSearch,
		Target:      "https://www.example.com",
		Description: "Search for: wireless mouse",
	}
	got := BuildBrowserPrompt(step)
	assert.Equal(t, "Use the site search to find: wireless mouse", got)
}

func TestBuildBrowserPromptExtract(t *testing.T) {
	step := &model.Step{Action: model.ActionExtract}
	assert.Equal(t, extractionPrompt, BuildBrowserPrompt(step))
}

func TestLLMSystemPromptKnownAndDefault(t *testing.T) {
	assert.Equal(t, llmSystemPrompts[model.ActionCompare], LLMSystemPrompt(model.ActionCompare))
	assert.Equal(t, defaultLLMSystemPrompt, LLMSystemPrompt(model.ActionNavigate))
}

func TestSearchQueryExtractsTrailingClauseAfterSeparator(t *testing.T) {
	step := &model.Step{Description: "Search newegg.com for: gaming laptop"}
	assert.Equal(t, "gaming laptop", searchQuery(step))
}
