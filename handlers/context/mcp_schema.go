package context

import (
	"fmt"
	"strings"

	"spritebot/core"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// convertMCPTool converts an MCP Tool to a core.LLMTool definition.
func convertMCPTool(toolID string, tool *mcp.Tool) core.LLMTool {
	out := core.LLMTool{
		Name:        toolID,
		ToolId:      toolID,
		Description: tool.Description,
	}

	// InputSchema arrives as map[string]any from the client side.
	if schema, ok := tool.InputSchema.(map[string]any); ok {
		out.Parameters = schemaParameters(schema)
	}
	return out
}

// schemaParameters flattens the top-level properties of a JSON Schema object
// into []core.Parameter. Nested object structure is not preserved beyond the
// object type tag.
func schemaParameters(schema map[string]any) []core.Parameter {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	var params []core.Parameter
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		param := core.Parameter{
			Name:     name,
			Required: required[name],
			Type:     schemaParamType(prop),
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if examples, ok := prop["examples"].([]any); ok && len(examples) > 0 {
			param.Example = fmt.Sprintf("%v", examples[0])
		}
		if suffix := enumSuffix(prop); suffix != "" {
			if param.Description != "" {
				param.Description += " "
			}
			param.Description += suffix
		}
		params = append(params, param)
	}
	return params
}

// enumSuffix renders a schema's enum values as a description fragment, since
// core.Parameter has no enum field of its own.
func enumSuffix(schema map[string]any) string {
	enumList, ok := schema["enum"].([]any)
	if !ok || len(enumList) == 0 {
		return ""
	}
	vals := make([]string, len(enumList))
	for i, v := range enumList {
		vals[i] = fmt.Sprintf("%v", v)
	}
	return "(one of: " + strings.Join(vals, ", ") + ")"
}

// schemaParamType maps a JSON Schema type string to a core.LLMParameterType.
func schemaParamType(schema map[string]any) core.LLMParamterType {
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		return core.LLMParameterTypeString
	case "integer", "number":
		return core.LLMParameterTypeInteger
	case "boolean":
		return core.LLMParameterTypeBoolean
	case "object":
		return core.LLMParameterTypeObject
	default:
		return core.LLMParameterTypeString
	}
}
