// Package output renders a finished plan's step results into the three
// external output formats: json, csv and summary.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/taskmesh/orchestrator/model"
)

// Product is a single deduplicated, sortable result row.
type Product struct {
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
	Rating float64 `json:"rating"`
	Source string  `json:"source"`
}

// JSONResult is the json output format's top-level shape.
type JSONResult struct {
	Command      string     `json:"command"`
	TotalResults int        `json:"total_results"`
	Results      []Product  `json:"results"`
	Summary      *string    `json:"summary"`
}

// probeKeys are the keys searched for arrays of product-shaped objects, on
// a step's result object and on each object reached through nested
// "response" wrappers; other nested objects are not searched.
var probeKeys = []string{"extracted", "products", "ranked"}

// Format renders plan's collected step results in the given output format.
func Format(plan *model.Plan, command string, format model.OutputFormat) (string, error) {
	products := collectProducts(plan)
	sorted := sortProducts(products)

	switch format {
	case model.FormatJSON:
		return asJSON(command, sorted, summaryText(plan)), nil
	case model.FormatCSV:
		return asCSV(sorted), nil
	case model.FormatSummary:
		return asSummary(command, sorted, summaryText(plan)), nil
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
}

// collectProducts gathers product objects from every step's result by
// probing the known keys, following any depth of "response" wrapping, and
// deduplicates by (name, source).
func collectProducts(plan *model.Plan) []Product {
	var products []Product
	seen := make(map[string]bool)

	add := func(raw map[string]interface{}) {
		p := toProduct(raw)
		key := p.Name + "\x00" + p.Source
		if seen[key] {
			return
		}
		seen[key] = true
		products = append(products, p)
	}

	for _, step := range plan.Steps {
		probe(step.Result, add)
	}
	return products
}

// probe looks for arrays under probeKeys on value itself, then descends into
// its "response" value the same way; no other key is descended into.
func probe(value interface{}, add func(map[string]interface{})) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range probeKeys {
		if arr, ok := obj[key].([]interface{}); ok {
			for _, item := range arr {
				if m, ok := item.(map[string]interface{}); ok {
					add(m)
				}
			}
		}
	}
	if resp, ok := obj["response"]; ok {
		probe(resp, add)
	}
}

func toProduct(raw map[string]interface{}) Product {
	return Product{
		Name:   stringField(raw, "name"),
		Price:  floatField(raw, "price"),
		Rating: floatField(raw, "rating"),
		Source: stringField(raw, "source"),
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// sortProducts orders by (-rating, price): highest rating first, ties
// broken by lowest price.
func sortProducts(products []Product) []Product {
	out := make([]Product, len(products))
	copy(out, products)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// summaryText pulls the final result from the task's last summarize step,
// falling back to a top-level "recommendation" field if present.
func summaryText(plan *model.Plan) *string {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if step.Action != model.ActionSummarize || step.Result == nil {
			continue
		}
		obj, ok := step.Result.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := obj["summary"].(string); ok {
			return &s
		}
		if s, ok := obj["recommendation"].(string); ok {
			return &s
		}
	}
	return nil
}

func asJSON(command string, products []Product, summary *string) string {
	result := JSONResult{
		Command:      command,
		TotalResults: len(products),
		Results:      products,
		Summary:      summary,
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func asCSV(products []Product) string {
	if len(products) == 0 {
		return "No results found."
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"name", "price", "rating", "source"})
	for _, p := range products {
		_ = w.Write([]string{
			p.Name,
			formatNumber(p.Price),
			formatNumber(p.Rating),
			p.Source,
		})
	}
	w.Flush()
	return buf.String()
}

func asSummary(command string, products []Product, summary *string) string {
	if len(products) == 0 {
		return "No results were found for your query."
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Results for: %s", command), "")

	limit := len(products)
	if limit > 10 {
		limit = 10
	}
	for i := 0; i < limit; i++ {
		p := products[i]
		lines = append(lines, fmt.Sprintf("%d. %s — $%s (%s stars) from %s",
			i+1, p.Name, formatNumber(p.Price), formatNumber(p.Rating), p.Source))
	}

	if summary != nil {
		lines = append(lines, "", *summary)
	}

	return strings.Join(lines, "\n")
}

// formatNumber renders a float without a trailing ".0" for whole numbers,
// matching the source formatter's behavior when prices/ratings are ints.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
