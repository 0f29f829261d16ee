package estimator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/stratrank/internal/scoring"
)

const estimateSchema = `{
  "type": "object",
  "required": ["impact"],
  "properties": {
    "impact": {"type": "number", "minimum": 0, "maximum": 10},
    "reasoning": {"type": "array", "items": {"type": "string"}, "maxItems": 10},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// OutputError reports a model reply that could not be turned into an
// estimate. It is retryable like any other estimator failure.
type OutputError struct {
	Message string
	Raw     string
}

func (e *OutputError) Error() string { return e.Message }

// outputValidator checks model replies against the estimate schema.
type outputValidator struct {
	schema *jsonschema.Schema
}

func newOutputValidator() (*outputValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(estimateSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("estimate.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("estimate.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &outputValidator{schema: schema}, nil
}

// parse extracts the JSON object from reply, validates it and decodes it.
// A missing confidence defaults to 0.5.
func (v *outputValidator) parse(reply string) (scoring.Estimate, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return scoring.Estimate{}, &OutputError{Message: "reply does not contain JSON", Raw: reply}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return scoring.Estimate{}, &OutputError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: reply}
	}
	if err := v.schema.Validate(doc); err != nil {
		return scoring.Estimate{}, &OutputError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: reply}
	}

	var out struct {
		Impact     float64  `json:"impact"`
		Reasoning  []string `json:"reasoning"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return scoring.Estimate{}, &OutputError{Message: fmt.Sprintf("decode estimate: %s", err), Raw: reply}
	}
	est := scoring.Estimate{Impact: out.Impact, Reasoning: out.Reasoning, Confidence: 0.5}
	if out.Confidence != nil {
		est.Confidence = *out.Confidence
	}
	return est, nil
}

// extractJSON finds the first JSON object in text, preferring fenced blocks.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v map[string]any
	return s != "" && json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the brace-balanced object at the start of s.
func extractBalanced(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
