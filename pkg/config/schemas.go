package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions documents are checked against.
// Every format is encoded to CUE and unified with its definition, so
// unknown fields and malformed values are reported with their path before
// the document is decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in document schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("document", builtinDocumentSchema, "#Document"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition named def
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}
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

// ValidateAgainstSchema validates decoded data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// Context returns the CUE context of the registry. CUE documents are
// compiled in it so they can be unified with the schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

const builtinDocumentSchema = `
#Identifier: =~"^[A-Za-z0-9_-]+$"
#Duration:   =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | number
#Target:     "cloud_network" | "cloud_compute" | "cloud_address" | "onprem_container"

#Document: {
	deployment: string & #Identifier
	settings?:  #Settings
	resources: [...#Resource]
	outputs?: [...#Output]
}

#Settings: {
	concurrency?:  number & >=0
	max_retries?:  number & >=0
	base_backoff?: #Duration
	max_backoff?:  #Duration
	call_timeout?: #Duration
	step_timeout?: #Duration
	policies?: [...string]
}

#Resource: {
	module:      string & #Identifier
	type:        string & #Identifier
	name:        string & #Identifier
	target:      #Target
	credential?: string
	inputs?: {[string]: _}
	depends_on?: [...string]
	bootstrap?: #Bootstrap
}

#Bootstrap: {
	connection: {
		host:         string
		port?:        number & >0 & <65536
		user:         string
		auth_method?: "key" | "password"
		credential?:  string
	}
	readiness?:    string
	step_timeout?: #Duration
	steps: [...#Step]
}

#Step: {
	name?: string
	upload?: {
		source?:     string
		content?:    string
		destination: string
		mode?:       string | number
	}
	run?: {
		command: string
		already_done?: [...string]
	}
}

#Output: {
	label:     string
	source:    string
	output:    string
	template?: string
}
`
