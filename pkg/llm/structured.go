package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ternarybob/forge/pkg/apperr"
)

// StructuredOutputError reports that the runtime could not produce a
// payload conforming to the requested schema within the retry budget.
type StructuredOutputError struct {
	Model    string
	Attempts int
	Reasons  []string
}

func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("structured output failed for %s after %d attempts: %s",
		e.Model, e.Attempts, strings.Join(e.Reasons, "; "))
}

// GenerateStructured requests a schema-constrained decode and validates
// the returned payload against the schema. Validation failures retry with
// the same prompt up to retries extra attempts; the final failure is a
// *StructuredOutputError wrapped in an apperr.KindStructuredOutput error.
func (c *Client) GenerateStructured(ctx context.Context, model, prompt string, schema map[string]any, opts Options, retries int) (map[string]any, error) {
	if retries < 0 {
		retries = 0
	}

	format, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	schemaLoader := gojsonschema.NewGoLoader(schema)

	attempts := retries + 1
	var reasons []string

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := c.generateRaw(ctx, model, prompt, format, opts)
		if err != nil {
			// Transport failures are not schema failures; let the caller's
			// retry policy handle them.
			return nil, err
		}

		var value map[string]any
		if err := json.Unmarshal([]byte(extractJSON(raw)), &value); err != nil {
			reasons = append(reasons, fmt.Sprintf("attempt %d: not valid JSON: %v", attempt+1, err))
			continue
		}

		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(value))
		if err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
		if result.Valid() {
			return value, nil
		}

		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		reasons = append(reasons, fmt.Sprintf("attempt %d: %s", attempt+1, strings.Join(problems, ", ")))
	}

	soErr := &StructuredOutputError{Model: model, Attempts: attempts, Reasons: reasons}
	return nil, apperr.Wrap(apperr.KindStructuredOutput, "structured generation failed", soErr)
}

// extractJSON strips markdown fences some models wrap around JSON output.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
