package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

// CUEParser parses deployment files written in CUE or JSON.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
	}
}

// ParseFile parses a CUE or JSON deployment file.
func (cp *CUEParser) ParseFile(path string) (*Deployment, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	return cp.ParseInline(string(content), path)
}

// ParseInline parses deployment content. filename is used in positions.
func (cp *CUEParser) ParseInline(content, filename string) (*Deployment, ValidationErrors) {
	val := cp.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	// a deployment may be the whole file or sit under a "deployment" field
	if sub := val.LookupPath(cue.ParsePath("deployment")); sub.Exists() {
		val = sub
	}

	unified, err := cp.schemaRegistry.Unify(DeploymentSchema, val)
	if err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	var d Deployment
	if err := unified.Decode(&d); err != nil {
		return nil, cp.convertCUEErrors(err)
	}
	return &d, nil
}

// Validate checks a deployment decoded from another format against the
// CUE schema.
func (cp *CUEParser) Validate(d *Deployment) ValidationErrors {
	if err := cp.schemaRegistry.ValidateAgainstSchema(DeploymentSchema, d); err != nil {
		return cp.convertCUEErrors(err)
	}
	return nil
}

// Format renders a deployment as CUE source.
func (cp *CUEParser) Format(d *Deployment) ([]byte, error) {
	val := cp.ctx.Encode(d)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}
	out, err := format.Node(val.Syntax(cue.Concrete(true)))
	if err != nil {
		return nil, fmt.Errorf("failed to format deployment: %w", err)
	}
	return out, nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{Message: err.Error()}}
	}
	return validationErrors
}
