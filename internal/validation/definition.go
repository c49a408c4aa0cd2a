// Package validation checks workflow definitions before a run may start:
// a JSON Schema pass for shape, then a semantic pass for the references
// JSON Schema cannot express (duplicate ids, retry targets, policy shape).
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hatchpad/runway/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runway.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "version", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["step", "gate"] },
        "uses": { "type": "string" },
        "with": { "type": "object" },
        "condition": { "type": "string" },
        "condition_lang": { "type": "string", "enum": ["cel", "expr"] },
        "output_query": { "type": "string" },
        "on_failure": { "$ref": "#/$defs/failure_policy" }
      },
      "additionalProperties": false
    },
    "failure_policy": {
      "type": "object",
      "properties": {
        "retry": {
          "type": "object",
          "required": ["count"],
          "properties": {
            "count": { "type": "integer", "minimum": 1 },
            "delay_ms": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "retry_step": {
          "type": "object",
          "required": ["target_step_id"],
          "properties": {
            "target_step_id": { "type": "string", "minLength": 1 }
          },
          "additionalProperties": false
        },
        "escalate": {
          "type": "object",
          "required": ["to"],
          "properties": {
            "to": { "type": "string", "minLength": 1 },
            "message": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	compiledOnce sync.Once
	compiled     *jsonschema.Schema
	compileErr   error
)

func definitionSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("https://runway.dev/schemas/workflow.json", doc); err != nil {
			compileErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("https://runway.dev/schemas/workflow.json")
	})
	return compiled, compileErr
}

// ValidateDefinition runs the full validation pipeline over a definition.
func ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	sch, err := definitionSchema()
	if err != nil {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("", schema.ErrCodeValidation, "failed to serialize definition: "+err.Error())
		return result
	}
	if err := sch.Validate(doc); err != nil {
		for _, v := range violations(err) {
			result.AddError(v.path, schema.ErrCodeValidation, v.message)
		}
		return result
	}

	validateSemantic(def, result)
	return result
}

// validateSemantic covers the references JSON Schema cannot express.
func validateSemantic(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	seen := make(map[string]struct{}, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if _, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}

		if err := step.OnFailure.Validate(); err != nil {
			result.AddError(path+".on_failure", schema.ErrCodeValidation, err.Error())
		}

		if step.OnFailure != nil && step.OnFailure.RetryStep != nil {
			target := step.OnFailure.RetryStep.TargetStepID
			if def.StepIndex(target) < 0 {
				result.AddError(path+".on_failure.retry_step", schema.ErrCodeValidation,
					fmt.Sprintf("retry target references non-existent step %q", target))
			} else if target == step.ID {
				result.AddWarning(path+".on_failure.retry_step", schema.ErrCodeValidation,
					"retry target is the step itself; consider a retry policy instead")
			}
		}
	}
}

type violation struct {
	path    string
	message string
}

// violations walks a ValidationError tree and collects leaf messages with
// their instance locations.
func violations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "", message: err.Error()}}
	}
	return collect(verr)
}

func collect(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collect(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
