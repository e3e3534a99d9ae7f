package resultparser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/orchestrator/model"
)

func TestSchemaForAction(t *testing.T) {
	assert.Equal(t, genericResultsSchema, SchemaForAction(model.ActionExtract))
	assert.Equal(t, searchResultSchema, SchemaForAction(model.ActionSearch))
	assert.Nil(t, SchemaForAction(model.ActionCompare))
}

func TestProductSchemaHasRequiredNameField(t *testing.T) {
	schema := ProductSchema()
	items := schema["items"].(Schema)
	assert.Equal(t, []string{"name"}, items["required"])
}
