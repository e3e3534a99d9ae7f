package executor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/taskmesh/orchestrator/model"
)

// searchTemplates maps a known site host to a URL template that navigates
// directly to a result page for a query, bypassing the site's interactive
// search UI (the "direct search URL" concept).
var searchTemplates = map[string]string{
	"amazon.com":     "https://www.amazon.com/s?k=%s",
	"www.amazon.com": "https://www.amazon.com/s?k=%s",
	"bestbuy.com":    "https://www.bestbuy.com/site/searchpage.jsp?st=%s",
	"newegg.com":     "https://www.newegg.com/p/pl?d=%s",
	"walmart.com":    "https://www.walmart.com/search?q=%s",
	"ebay.com":       "https://www.ebay.com/sch/i.html?_nkw=%s",
}

const extractionPrompt = "Extract the structured results visible on the current page."

// llmSystemPrompts is the fixed catalogue of system prompts selected by
// action name for llm-executed steps, plus a default for any action not
// explicitly listed.
var llmSystemPrompts = map[model.Action]string{
	model.ActionCompare:   "You compare a set of items described in the provided context and produce a ranked comparison.",
	model.ActionSummarize: "You write a concise, factual summary of the provided context for an end user.",
	model.ActionAnalyze:   "You analyze the provided context and surface the most relevant insight for the user's original request.",
	model.ActionRank:      "You rank the items in the provided context from most to least relevant and explain the ordering briefly.",
}

const defaultLLMSystemPrompt = "You assist with the user's request using only the provided context."

// BuildBrowserPrompt constructs the short natural-language prompt sent to
// the browser agent for a browser-executed step.
func BuildBrowserPrompt(step *model.Step) string {
	switch step.Action {
	case model.ActionNavigate:
		return fmt.Sprintf("Go to %s", step.Target)
	case model.ActionSearch:
		if tmpl, host, query, ok := matchSearchTemplate(step); ok {
			_ = host
			return fmt.Sprintf("Go to %s", fmt.Sprintf(tmpl, url.QueryEscape(query)))
		}
		return fmt.Sprintf("Use the site search to find: %s", searchQuery(step))
	case model.ActionExtract:
		return extractionPrompt
	default:
		return step.Description
	}
}

func matchSearchTemplate(step *model.Step) (tmpl string, host string, query string, ok bool) {
	u, err := url.Parse(step.Target)
	if err != nil || u.Host == "" {
		return "", "", "", false
	}
	tmpl, found := searchTemplates[strings.ToLower(u.Host)]
	if !found {
		return "", "", "", false
	}
	return tmpl, u.Host, searchQuery(step), true
}

// searchQuery extracts the query string a search step targets from its
// description, taking the text after a known separator if present and
// falling back to the full description.
func searchQuery(step *model.Step) string {
	desc := step.Description
	for _, sep := range []string{": ", " for ", " to find "} {
		if idx := strings.LastIndex(desc, sep); idx != -1 {
			return strings.TrimSpace(desc[idx+len(sep):])
		}
	}
	return strings.TrimSpace(desc)
}

// LLMSystemPrompt selects the system prompt for an llm-executed step by
// action, falling back to the default for unrecognized actions.
func LLMSystemPrompt(action model.Action) string {
	if p, ok := llmSystemPrompts[action]; ok {
		return p
	}
	return defaultLLMSystemPrompt
}
