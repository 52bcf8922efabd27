package context

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
)

func TestConvertMCPTool(t *testing.T) {
	tool := &mcp.Tool{
		Name:        "search_docs",
		Description: "Search the documentation.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query.",
					"examples":    []any{"how to deploy"},
				},
				"limit": map[string]any{
					"type": "integer",
				},
			},
			"required": []any{"query"},
		},
	}

	converted := convertMCPTool("docs_search_docs", tool)
	assert.Equal(t, "docs_search_docs", converted.ToolId)
	assert.Equal(t, "docs_search_docs", converted.Name)
	assert.Equal(t, "Search the documentation.", converted.Description)
	require.Len(t, converted.Parameters, 2)

	byName := map[string]core.Parameter{}
	for _, p := range converted.Parameters {
		byName[p.Name] = p
	}

	query := byName["query"]
	assert.Equal(t, core.LLMParameterTypeString, query.Type)
	assert.True(t, query.Required)
	assert.Equal(t, "Search query.", query.Description)
	assert.Equal(t, "how to deploy", query.Example)

	limit := byName["limit"]
	assert.Equal(t, core.LLMParameterTypeInteger, limit.Type)
	assert.False(t, limit.Required)
}

func TestConvertMCPToolWithoutSchema(t *testing.T) {
	converted := convertMCPTool("noop", &mcp.Tool{Name: "noop", Description: "does nothing"})
	assert.Empty(t, converted.Parameters)
}

func TestSchemaParametersEnumDescription(t *testing.T) {
	params := schemaParameters(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"unit": map[string]any{
				"type":        "string",
				"description": "Temperature unit.",
				"enum":        []any{"celsius", "fahrenheit"},
			},
		},
		"required": []any{"unit"},
	})

	require.Len(t, params, 1)
	assert.Equal(t, "Temperature unit. (one of: celsius, fahrenheit)", params[0].Description)
	assert.True(t, params[0].Required)
}

func TestSchemaParamType(t *testing.T) {
	tests := []struct {
		schemaType string
		expected   core.LLMParamterType
	}{
		{"string", core.LLMParameterTypeString},
		{"integer", core.LLMParameterTypeInteger},
		{"number", core.LLMParameterTypeInteger},
		{"boolean", core.LLMParameterTypeBoolean},
		{"object", core.LLMParameterTypeObject},
		{"array", core.LLMParameterTypeString},
		{"", core.LLMParameterTypeString},
	}

	for _, tt := range tests {
		got := schemaParamType(map[string]any{"type": tt.schemaType})
		assert.Equal(t, tt.expected, got, "type %q", tt.schemaType)
	}
}
