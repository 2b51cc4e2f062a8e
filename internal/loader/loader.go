// Package loader reads workflow definitions from YAML or JSON files and
// validates them before they reach the engine.
package loader

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atniptw/stepflow/pkg/schema"
)

var (
	validatorOnce sync.Once
	validator     *Validator
	validatorErr  error
)

func sharedValidator() (*Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = NewValidator()
	})
	return validator, validatorErr
}

// Load reads, validates and decodes a single workflow file. Both YAML
// and JSON are accepted; YAML is the common authoring format.
func Load(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "read workflow file: %v", err).WithCause(err)
	}
	return Parse(data)
}

// Parse validates and decodes a workflow document.
func Parse(data []byte) (*schema.Workflow, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow: %v", err).WithCause(err)
	}

	// Round-trip through JSON so the typed decode sees the same value
	// trees the validator saw.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode workflow document: %v", err).WithCause(err)
	}
	var workflow schema.Workflow
	if err := json.Unmarshal(raw, &workflow); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %v", err).WithCause(err)
	}

	v, err := sharedValidator()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "build validator: %v", err).WithCause(err)
	}
	if err := v.Validate(doc, &workflow); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, fe.WithWorkflow(workflow.ID)
		}
		return nil, err
	}
	return &workflow, nil
}

// DirLoader resolves workflows by ID from a directory of definition
// files. A workflow's ID is the id field inside the file, not the file
// name, so resolution scans the directory.
type DirLoader struct {
	Dir string
}

// LoadWorkflowByID finds the workflow with the given id under Dir.
func (l *DirLoader) LoadWorkflowByID(id string) (*schema.Workflow, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(l.Dir, pattern))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeWorkflow, "scan workflow dir: %v", err).WithCause(err)
		}
		paths = append(paths, matches...)
	}

	for _, path := range paths {
		workflow, err := Load(path)
		if err != nil {
			continue
		}
		if workflow.ID == id {
			return workflow, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found in %s", id, l.Dir).
		WithWorkflow(id)
}
