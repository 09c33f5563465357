package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mendhq/mend/internal/port/llm"
)

// Tool is one member of the closed tool set. Execute must never panic
// across the boundary; malformed input is a failed ToolOutput.
type Tool interface {
	Definition() llm.ToolDef
	Execute(ctx context.Context, input json.RawMessage) ToolOutput
}

// register builds the dispatch table and verifies every definition.
func (sb *Sandbox) register(tools ...Tool) error {
	sb.tools = make(map[string]Tool, len(tools))
	for _, t := range tools {
		def := t.Definition()
		if err := verifyDefinition(def); err != nil {
			return fmt.Errorf("sandbox: tool %q: %w", def.Name, err)
		}
		if _, dup := sb.tools[def.Name]; dup {
			return fmt.Errorf("sandbox: duplicate tool %q", def.Name)
		}
		sb.tools[def.Name] = t
		sb.order = append(sb.order, def.Name)
	}
	return nil
}

// verifyDefinition checks that a tool definition is an object schema whose
// required fields are all declared properties.
func verifyDefinition(def llm.ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("empty name")
	}
	if def.Description == "" {
		return fmt.Errorf("empty description")
	}

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}
	if schema.Type != "object" {
		return fmt.Errorf("input schema type is %q, want object", schema.Type)
	}
	for _, req := range schema.Required {
		if _, found := schema.Properties[req]; !found {
			return fmt.Errorf("required field %q not in properties", req)
		}
	}
	return nil
}

// Definitions returns the tool schemas in registration order, for
// advertising to the model.
func (sb *Sandbox) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(sb.order))
	for _, name := range sb.order {
		defs = append(defs, sb.tools[name].Definition())
	}
	return defs
}

// Execute dispatches one tool call. Unknown tools and panicking tools both
// come back as failed outputs so the session can report them to the model.
func (sb *Sandbox) Execute(ctx context.Context, name string, input json.RawMessage) (out ToolOutput) {
	tool, found := sb.tools[name]
	if !found {
		return fail("unknown tool: %s", name)
	}

	defer func() {
		if r := recover(); r != nil {
			out = fail("tool execution error: %v", r)
		}
	}()
	return tool.Execute(ctx, input)
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }
