// Package schema validates LLM output structure against per-route JSON
// Schemas. Structure only; it makes no judgement about content.
package schema

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/canopy-rag/canopy/pkg/models"
)

// ragResponseSchema is the default shape for retrieval-backed answers.
const ragResponseSchema = `{
	"type": "object",
	"properties": {
		"answer": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"sources_used": {"type": "array", "items": {"type": "string"}},
		"caveats": {"type": ["string", "null"]}
	},
	"required": ["answer"],
	"additionalProperties": true
}`

// directSchema covers model-only answers; no source bookkeeping expected.
const directSchema = `{
	"type": "object",
	"properties": {
		"answer": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["answer"],
	"additionalProperties": true
}`

// Result is the validator's output. Output always holds a usable answer
// object, even when Valid is false.
type Result struct {
	Valid         bool
	Output        map[string]any
	Errors        []string
	SchemaApplied models.RouteKind
	Wrapped       bool
}

// Validator checks raw LLM output against the schema registered for the
// request's route. Schemas compile once at construction.
type Validator struct {
	schemas map[models.RouteKind]*gojsonschema.Schema
	logger  *slog.Logger
}

// NewValidator compiles the built-in route schemas.
func NewValidator(logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas := make(map[models.RouteKind]*gojsonschema.Schema)
	for kind, raw := range map[models.RouteKind]string{
		models.RouteRAG:    ragResponseSchema,
		models.RouteDirect: directSchema,
	} {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, err
		}
		schemas[kind] = compiled
	}
	return &Validator{schemas: schemas, logger: logger}, nil
}

// Validate normalizes and checks one raw answer. Plain text is wrapped into
// the minimal answer object and considered valid. A JSON object that fails
// the route schema yields Valid=false with the raw text kept as the answer,
// so callers degrade instead of dropping the response.
func (v *Validator) Validate(raw string, route models.RouteKind) Result {
	compiled, ok := v.schemas[route]
	if !ok {
		// No schema registered for this route, pass through wrapped.
		return Result{Valid: true, Output: wrap(raw)}
	}

	parsed := tryParseObject(raw)
	if parsed == nil {
		return Result{
			Valid:         true,
			Output:        wrap(raw),
			SchemaApplied: route,
			Wrapped:       true,
		}
	}

	outcome, err := compiled.Validate(gojsonschema.NewGoLoader(parsed))
	if err != nil {
		v.logger.Warn("Schema validation error", "route", route, "error", err)
		return Result{
			Valid:         false,
			Output:        wrap(raw),
			Errors:        []string{err.Error()},
			SchemaApplied: route,
		}
	}
	if !outcome.Valid() {
		messages := make([]string, 0, len(outcome.Errors()))
		for _, e := range outcome.Errors() {
			messages = append(messages, e.String())
		}
		v.logger.Warn("Output schema violation",
			"route", route,
			"errors", messages,
			"raw_output_length", len(raw))
		return Result{
			Valid:         false,
			Output:        wrap(raw),
			Errors:        messages,
			SchemaApplied: route,
		}
	}

	return Result{Valid: true, Output: parsed, SchemaApplied: route}
}

// AnswerText extracts the answer string from a validated output object.
func (r Result) AnswerText() string {
	if s, ok := r.Output["answer"].(string); ok {
		return s
	}
	return ""
}

func wrap(raw string) map[string]any {
	return map[string]any{"answer": strings.TrimSpace(raw)}
}

// tryParseObject parses text as a JSON object; anything else, including
// JSON scalars and arrays, returns nil so the caller wraps it as plain text.
func tryParseObject(text string) map[string]any {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil
	}
	return parsed
}
