// Package artifact parses and validates model output into the artifact
// the loop checkpoints. Model replies wrap their JSON in prose or code
// fences more often than not, so extraction handles fenced and raw forms
// before schema validation runs.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// artifactSchema is the contract every generation result must satisfy
// before it becomes a checkpoint.
const artifactSchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["summary", "content"],
	"additionalProperties": true
}`

// Artifact is one validated generation result.
type Artifact struct {
	Summary string `json:"summary"`
	Content string `json:"content"`
}

// ValidationError describes why model output was rejected.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validator checks model output against the artifact schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the artifact schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(artifactSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal artifact schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("artifact.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("artifact.json")
	if err != nil {
		return nil, fmt.Errorf("compile artifact schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse extracts JSON from raw model output, validates it against the
// artifact schema, and returns the artifact. All failures come back as
// *ValidationError.
func (v *Validator) Parse(raw string) (*Artifact, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, &ValidationError{
			Message: "output does not contain valid JSON",
			Raw:     raw,
		}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     raw,
		}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     raw,
		}
	}

	var art Artifact
	if err := json.Unmarshal([]byte(jsonStr), &art); err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("decode artifact: %s", err),
			Raw:     raw,
		}
	}
	return &art, nil
}

// extractJSON finds a JSON object or array in the output text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match closing.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of
// the string, respecting string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
