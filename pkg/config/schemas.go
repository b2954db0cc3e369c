package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaUnitsFile is the name of the built-in unit catalog schema.
const SchemaUnitsFile = "units_file"

// unitEntryPath selects the schema for a single unit whose ID may come from its key.
var unitEntryPath = cue.ParsePath("#Entry")

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaUnitsFile, builtinUnitsFileSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema encodes data as CUE and unifies it with a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ValidateUnitsFile checks a catalog against the built-in schema.
func (sr *SchemaRegistry) ValidateUnitsFile(file *UnitsFile) error {
	return sr.ValidateAgainstSchema(SchemaUnitsFile, file)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinUnitsFileSchema = `
#Priority: =~"^(?i)(low|medium|high|critical)$"
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Entry: {
	id?:         =~"^[^\\s]+$"
	name?:       string
	command:     string & !=""
	args?:       [...string]
	workdir?:    string
	env?:        {[string]: string}
	depends_on?: [...string & !=""]
	priority?:   #Priority
	timeout?:    #Duration
	max_retries?: int & >=0
	labels?:     {[string]: string}
}

#Unit: #Entry & {id: string}

#Defaults: {
	priority?:    #Priority
	timeout?:     #Duration
	max_retries?: int & >=0
	workdir?:     string
	env?:         {[string]: string}
}

scope:     string & !=""
defaults?: #Defaults
units:     [#Unit, ...#Unit]
`
