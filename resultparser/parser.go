// Package resultparser implements the Result Parser (C4): multi-strategy
// recovery of structured data from a semi-structured external response.
package resultparser

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/taskmesh/orchestrator/core"
)

// repairPrompt is the fixed instruction sent to the external LLM in
// strategy 5 when every syntactic recovery attempt has failed.
const repairPrompt = "The following text should contain a JSON value but may be malformed or embedded in prose. Return ONLY the corrected, valid JSON value with no commentary:\n\n"

// Parser recovers a best-effort structured value from a raw response.
// Deterministic and idempotent on already-parsed inputs.
type Parser struct {
	repairClient core.AIClient
	logger       core.Logger
}

// New constructs a Parser. repairClient may be nil, in which case strategy
// 5 (LLM repair) is skipped and the parser falls through to strategy 6.
func New(repairClient core.AIClient, logger core.Logger) *Parser {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/resultparser")
	}
	return &Parser{repairClient: repairClient, logger: logger}
}

// Parse applies strategies 1-6 in order, stopping at the first that
// succeeds. preParsed is the optional value the external agent may supply
// directly (strategy 1).
func (p *Parser) Parse(ctx context.Context, raw interface{}, preParsed interface{}) interface{} {
	if preParsed != nil {
		return preParsed
	}

	text, isString := raw.(string)
	if !isString {
		// Strategy 2: already a non-string native value.
		return raw
	}

	if v, ok := p.strictParse(text); ok {
		return v
	}

	if v, ok := p.balancedSubstringParse(text); ok {
		return v
	}

	if p.repairClient != nil {
		if v, ok := p.repairAttempt(ctx, text); ok {
			return v
		}
	}

	p.logger.Warn("result parser exhausted all strategies, returning raw text", map[string]interface{}{
		"length": len(text),
	})
	return strings.TrimSpace(text)
}

// strictParse is strategy 3: trim whitespace and balanced surrounding
// quotes, then attempt a strict parse.
func (p *Parser) strictParse(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	trimmed = trimSurroundingQuotes(trimmed)

	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, true
	}
	return nil, false
}

func trimSurroundingQuotes(s string) string {
	for len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		var probe interface{}
		if json.Unmarshal([]byte(inner), &probe) == nil {
			s = inner
			continue
		}
		break
	}
	return s
}

// balancedSubstringParse is strategy 4: extract the longest balanced
// "[ ... ]" then "{ ... }" substring and try to parse it; if the greedy
// match fails, retry with the shortest match within the same window.
func (p *Parser) balancedSubstringParse(text string) (interface{}, bool) {
	for _, pair := range []struct{ open, close byte }{{'[', ']'}, {'{', '}'}} {
		if v, ok := tryBalanced(text, pair.open, pair.close, true); ok {
			return v, true
		}
		if v, ok := tryBalanced(text, pair.open, pair.close, false); ok {
			return v, true
		}
	}
	return nil, false
}

// tryBalanced finds a balanced substring delimited by open/close. When
// greedy is true it extracts the outermost (first-open to last-matching)
// span; when false it extracts the first minimal balanced span.
func tryBalanced(text string, open, close byte, greedy bool) (interface{}, bool) {
	start := strings.IndexByte(text, open)
	if start == -1 {
		return nil, false
	}

	if greedy {
		end := strings.LastIndexByte(text, close)
		if end == -1 || end <= start {
			return nil, false
		}
		var v interface{}
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil {
			return v, true
		}
		return nil, false
	}

	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				var v interface{}
				if err := json.Unmarshal([]byte(text[start:i+1]), &v); err == nil {
					return v, true
				}
				return nil, false
			}
		}
	}
	return nil, false
}

// repairAttempt is strategy 5: ask the external LLM to repair the text
// into valid JSON, then re-apply strategies 3-4 to its reply.
func (p *Parser) repairAttempt(ctx context.Context, text string) (interface{}, bool) {
	resp, err := p.repairClient.GenerateResponse(ctx, repairPrompt+text, &core.AIOptions{
		Temperature: 0,
		MaxTokens:   2048,
	})
	if err != nil {
		p.logger.Warn("result parser repair call failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}

	if v, ok := p.strictParse(resp.Content); ok {
		return v, true
	}
	return p.balancedSubstringParse(resp.Content)
}
