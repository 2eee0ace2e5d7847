package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation. Schemas live in the
// parser's cue.Context so they can be unified with parsed values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the deployment schema.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(DeploymentSchema, "#Deployment", builtinDeploymentSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition def under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies the named schema to val and checks the result is concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and validates it against the
// named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.Unify(name, dataVal)
	return err
}

// DeploymentSchema is the registry name of the deployment schema.
const DeploymentSchema = "deployment"

const builtinDeploymentSchema = `
#Name: =~"^[a-z][a-z0-9-]*$"

#Deployment: {
	schema_version:  =~"^v?[0-9]+\\.[0-9]+(\\.[0-9]+)?$"
	name:            #Name
	output_root?:    string
	parallelism?:    int & >=0
	fail_fast?:      bool
	docker_secrets?: bool

	pki?:        #PKI
	secrets?:    [...#Secret]
	components?: [...#Component]
	configs?:    [...#Config]
	users?:      [...#User]
	facts?:      {[string]: string}
}

#PKI: {
	algorithm?:     "ecdsa-p256" | "rsa-2048"
	root_name?:     string
	validity_days?: int & >=1
	organization?:  string
}

#Secret: {
	name:      =~"^[a-z0-9][a-z0-9._-]*$"
	length?:   int & >=1
	alphabet?: string
}

#Component: {
	name:         #Name
	image?:       string
	certificate?: bool
	dns_names?:   [...string]
	config?:      string
	command?:     [...string]
	ports?:       [...string]
	depends_on?:  [...#Name]
	secrets?:     [...string]
}

#Config: {
	name:       =~"^[a-z][a-z0-9_-]*$"
	family:     "ingest" | "backup" | "cleanup" | "keys"
	component?: #Name
	params?:    {[string]: string}
}

#User: {
	name: =~"^[a-z][a-z0-9_-]*$"
	uid?: int & >0
}
`
