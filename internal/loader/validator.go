package loader

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/atniptw/stepflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/param" }
    },
    "outputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/param" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["ai-prompt", "script", "validation", "loop", "conditional"]
        },
        "agent": { "type": "string" },
        "template": { "type": "string" },
        "command": { "type": "string" },
        "expectedExitCode": { "type": "integer" },
        "condition": { "type": "string" },
        "items": { "type": "string" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" }
      },
      "additionalProperties": false
    },
    "param": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "retryPolicy": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 0 },
        "backoffMs": { "type": "integer", "minimum": 0 },
        "retryOn": {
          "type": "array",
          "items": {
            "type": "string",
            "enum": [
              "timeout", "network_error", "rate_limit", "server_error",
              "authentication_error", "validation_error",
              "resource_unavailable", "temporary_failure"
            ]
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow documents against the embedded JSON Schema
// plus the structural rules the schema cannot express. Safe for
// concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator compiles the embedded workflow schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://stepflow.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://stepflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: compiled}, nil
}

// Validate checks a decoded workflow document and the typed workflow
// built from it.
func (v *Validator) Validate(doc any, workflow *schema.Workflow) error {
	jsonDoc, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(jsonDoc); err != nil {
		return toFlowError(err)
	}
	return validateStructure(workflow)
}

// validateStructure enforces rules the JSON Schema cannot express:
// sibling step IDs must be unique and each step type must carry its
// required fields.
func validateStructure(workflow *schema.Workflow) error {
	return validateSteps(workflow.Steps)
}

func validateSteps(steps []schema.Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if err := validateStepFields(step); err != nil {
			return err
		}
		if len(step.Steps) > 0 {
			if err := validateSteps(step.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStepFields(step schema.Step) error {
	switch step.Type {
	case schema.StepTypeAIPrompt:
		if step.Template == "" && step.Agent == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"ai-prompt step needs a template or an agent").WithStep(step.ID)
		}
	case schema.StepTypeScript:
		if step.Command == "" {
			return missingField(step.ID, "command")
		}
	case schema.StepTypeValidation:
		if step.Condition == "" {
			return missingField(step.ID, "condition")
		}
	case schema.StepTypeConditional:
		if step.Condition == "" {
			return missingField(step.ID, "condition")
		}
	case schema.StepTypeLoop:
		if step.Items == "" {
			return missingField(step.ID, "items")
		}
		if len(step.Steps) == 0 {
			return missingField(step.ID, "steps")
		}
	}
	return nil
}

func missingField(stepID, field string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "missing required field %q", field).WithStep(stepID)
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError tree into one
// readable validation error.
func toFlowError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0])
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"workflow validation failed with %d errors: %s", len(violations), strings.Join(violations, "; "))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
