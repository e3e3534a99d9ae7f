package resultparser

import "github.com/taskmesh/orchestrator/model"

// Schema is a JSON-schema-shaped map describing the structure the browser
// agent should conform to for a given extraction action.
type Schema map[string]interface{}

var productSchema = Schema{
	"type": "array",
	"items": Schema{
		"type": "object",
		"properties": Schema{
			"name":   Schema{"type": "string"},
			"price":  Schema{"type": "number"},
			"rating": Schema{"type": "number"},
			"url":    Schema{"type": "string"},
			"source": Schema{"type": "string"},
		},
		"required": []string{"name"},
	},
}

var genericResultsSchema = Schema{
	"type": "array",
	"items": Schema{
		"type": "object",
		"properties": Schema{
			"title":       Schema{"type": "string"},
			"description": Schema{"type": "string"},
			"url":         Schema{"type": "string"},
			"source":      Schema{"type": "string"},
			"metadata":    Schema{"type": "object"},
		},
		"required": []string{"title"},
	},
}

var searchResultSchema = Schema{
	"type": "object",
	"properties": Schema{
		"query":         Schema{"type": "string"},
		"results_count": Schema{"type": "integer"},
		"results":       genericResultsSchema,
	},
}

// SchemaForAction returns the extraction schema the browser agent should
// conform to for action, or nil if action has no fixed schema.
func SchemaForAction(action model.Action) Schema {
	switch action {
	case model.ActionExtract:
		return genericResultsSchema
	case model.ActionSearch:
		return searchResultSchema
	default:
		return nil
	}
}

// ProductSchema is exposed for callers that specifically want the product
// list shape (e.g. a known-site extraction targeting a product listing).
func ProductSchema() Schema {
	return productSchema
}
