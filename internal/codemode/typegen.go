package codemode

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// jsonSchema is the subset of JSON Schema the generator understands. Any
// construct outside it degrades to `any`.
type jsonSchema struct {
	Type        string                `json:"type"`
	Description string                `json:"description"`
	Properties  map[string]jsonSchema `json:"properties"`
	Required    []string              `json:"required"`
	Items       *jsonSchema           `json:"items"`
	Enum        []json.RawMessage     `json:"enum"`
}

// generateTypeDefinitions compiles a server's tool list into a namespaced
// block of type declarations: one input type, one output type, and one
// function signature per tool. Tool descriptions are preserved as leading
// comments.
func generateTypeDefinitions(serverName string, tools []mcp.Tool, names *identifierTable) string {
	ns := pascalIdentifier(serverName)

	var b strings.Builder
	fmt.Fprintf(&b, "declare namespace %s {\n", ns)
	for _, tool := range tools {
		canon := names.toCanon[tool.Name]
		typeName := pascalIdentifier(tool.Name)

		if tool.Description != "" {
			for _, line := range strings.Split(strings.TrimSpace(tool.Description), "\n") {
				fmt.Fprintf(&b, "  // %s\n", line)
			}
		}
		fmt.Fprintf(&b, "  export interface %sInput %s\n", typeName, compileObjectSchema(tool.InputSchema, "  "))
		fmt.Fprintf(&b, "  export type %sOutput = %s;\n", typeName, compileOutputSchema(tool.OutputSchema, "  "))
		fmt.Fprintf(&b, "  export function %s(input: %sInput): Promise<%sOutput>;\n\n", canon, typeName, typeName)
	}
	b.WriteString("}\n")
	return b.String()
}

// compileOutputSchema handles the optional output schema: when absent, an
// open object type is emitted rather than inferring anything.
func compileOutputSchema(raw json.RawMessage, indent string) string {
	if len(raw) == 0 {
		return "{ [k: string]: any }"
	}
	return compileObjectSchema(raw, indent)
}

// compileObjectSchema renders a JSON object schema as an inline type literal.
func compileObjectSchema(raw json.RawMessage, indent string) string {
	var schema jsonSchema
	if len(raw) == 0 || json.Unmarshal(raw, &schema) != nil {
		return "{ [k: string]: any }"
	}
	return compileSchema(schema, indent)
}

func compileSchema(schema jsonSchema, indent string) string {
	if len(schema.Enum) > 0 {
		parts := make([]string, 0, len(schema.Enum))
		for _, e := range schema.Enum {
			parts = append(parts, string(e))
		}
		return strings.Join(parts, " | ")
	}

	switch schema.Type {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		if schema.Items == nil {
			return "any[]"
		}
		return compileSchema(*schema.Items, indent) + "[]"
	case "object":
		if len(schema.Properties) == 0 {
			return "{ [k: string]: any }"
		}
		required := make(map[string]bool, len(schema.Required))
		for _, r := range schema.Required {
			required[r] = true
		}
		keys := make([]string, 0, len(schema.Properties))
		for k := range schema.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		inner := indent + "  "
		var b strings.Builder
		b.WriteString("{\n")
		for _, k := range keys {
			prop := schema.Properties[k]
			opt := "?"
			if required[k] {
				opt = ""
			}
			if prop.Description != "" {
				fmt.Fprintf(&b, "%s// %s\n", inner, strings.ReplaceAll(prop.Description, "\n", " "))
			}
			fmt.Fprintf(&b, "%s%s%s: %s;\n", inner, k, opt, compileSchema(prop, inner))
		}
		b.WriteString(indent + "}")
		return b.String()
	default:
		return "any"
	}
}
