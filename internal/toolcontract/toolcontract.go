// Package toolcontract declares the three bounded tool shapes the model
// is allowed to call — commit_text_response, submit_insight, and
// commit_working_memory_compaction — and validates arguments against
// them.
//
// Grounded on the ToolDef/PropDef declarative shape in internal/mcp/server.go
// from the teacher repo. The teacher's ToolDef feeds an MCP JSON-RPC server
// exposed to an external client; EVA's ToolDef instead feeds argument
// validation for tool calls the model makes *into* our own process, so the
// JSON-RPC plumbing is dropped and a Validate method is added in its place.
package toolcontract

import (
	"fmt"
)

// PropDef describes one property of a tool's argument object.
type PropDef struct {
	Type string // "string", "number", "array", "object"
	Description string
	MinItems int
	MaxItems int
}

// ToolDef is the declarative shape of one tool's arguments, the same
// {Properties, Required} pairing the teacher uses for its MCP tool
// registrations.
type ToolDef struct {
	Name string
	Description string
	Properties map[string]PropDef
	Required []string
}

// Names of the three mandatory tools.
const (
	ToolCommitTextResponse = "commit_text_response"
	ToolSubmitInsight = "submit_insight"
	ToolCommitWorkingMemoryCompaction = "commit_working_memory_compaction"
)

// CommitTextResponseTool is the /respond tool shape.
var CommitTextResponseTool = ToolDef{
	Name: ToolCommitTextResponse,
	Description: "Commit the assistant's grounded reply text and self-reported meta.",
	Properties: map[string]PropDef{
		"text": {Type: "string", Description: "The reply text shown to the user."},
		"meta": {Type: "object", Description: "tone, concepts[], surprise, note"},
	},
	Required: []string{"text", "meta"},
}

// SubmitInsightTool is the /insight tool shape.
var SubmitInsightTool = ToolDef{
	Name: ToolSubmitInsight,
	Description: "Submit a vision insight derived from the supplied frames.",
	Properties: map[string]PropDef{
		"one_liner": {Type: "string", Description: "One-sentence summary."},
		"what_changed": {Type: "array", Description: "1-5 short bullets.", MinItems: 1, MaxItems: 5},
		"tts_response": {Type: "string", Description: "Narration text for speech synthesis."},
		"severity": {Type: "string", Description: "low|medium|high"},
		"tags": {Type: "array", Description: "1-6 whitelisted tags.", MinItems: 1, MaxItems: 6},
	},
	Required: []string{"one_liner", "what_changed", "severity", "tags"},
}

// CommitWorkingMemoryCompactionTool is the compaction job's tool shape.
var CommitWorkingMemoryCompactionTool = ToolDef{
	Name: ToolCommitWorkingMemoryCompaction,
	Description: "Commit 3-7 short-term memory bullets summarizing aged working-memory entries.",
	Properties: map[string]PropDef{
		"bullets": {Type: "array", Description: "3-7 bullet strings.", MinItems: 3, MaxItems: 7},
	},
	Required: []string{"bullets"},
}

// ValidationError reports which required field was missing or malformed.
type ValidationError struct {
	Tool string
	Field string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", e.Tool, e.Field, e.Msg)
}

// Validate checks args against def's Required fields and each property's
// declared Type/MinItems/MaxItems. It does not mutate args; callers still
// need to run their own semantic sanitization (whitelist filtering,
// surprise clamping) on top of this structural check.
func Validate(def ToolDef, args map[string]any) error {
	for _, name := range def.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return &ValidationError{Tool: def.Name, Field: name, Msg: "required field missing"}
		}
	}
	for name, v := range args {
		prop, ok := def.Properties[name]
		if !ok {
			continue // unknown extra fields are ignored, not rejected
		}
		if err := validateType(def.Name, name, prop, v); err != nil {
			return err
		}
	}
	return nil
}

func validateType(tool, field string, prop PropDef, v any) error {
	switch prop.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return &ValidationError{Tool: tool, Field: field, Msg: "expected string"}
		}
	case "number":
		switch v.(type) {
		case float64, int, int64:
		default:
			return &ValidationError{Tool: tool, Field: field, Msg: "expected number"}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return &ValidationError{Tool: tool, Field: field, Msg: "expected array"}
		}
		if prop.MinItems > 0 && len(arr) < prop.MinItems {
			return &ValidationError{Tool: tool, Field: field, Msg: fmt.Sprintf("expected at least %d items", prop.MinItems)}
		}
		if prop.MaxItems > 0 && len(arr) > prop.MaxItems {
			return &ValidationError{Tool: tool, Field: field, Msg: fmt.Sprintf("expected at most %d items", prop.MaxItems)}
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return &ValidationError{Tool: tool, Field: field, Msg: "expected object"}
		}
	}
	return nil
}

// StringSlice extracts a []string from a validated "array" field of
// strings, skipping any non-string elements defensively.
func StringSlice(args map[string]any, field string) []string {
	raw, ok := args[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
