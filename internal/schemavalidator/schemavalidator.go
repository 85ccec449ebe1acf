// Package schemavalidator backs the SchemaValidator collaborator referenced
// by the artifact pipeline (ComputeVerdict validates verdict.json against a
// named schema before writing). Validate returns a failure as an error;
// ComputeVerdict ignores that error, so the artifact write always proceeds.
//
// Grounded on the event-type/schema-bundle pattern in the teacher's pack
// siblings (schema bundles keyed by name, resolved against a registry);
// adapted here to the single JSON Schema validator this gateway needs.
package schemavalidator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator validates a named document against its registered schema.
type SchemaValidator interface {
	Validate(name string, doc any) error
}

// Default is a SchemaValidator backed by santhosh-tekuri/jsonschema,
// with schemas registered by name from in-memory JSON text.
type Default struct {
	mu        sync.Mutex
	compiler  *jsonschema.Compiler
	compiled  map[string]*jsonschema.Schema
	schemaSrc map[string]string
}

// New builds an empty Default validator; call Register for each schema name
// the caller intends to validate against.
func New() *Default {
	return &Default{
		compiler:  jsonschema.NewCompiler(),
		compiled:  map[string]*jsonschema.Schema{},
		schemaSrc: map[string]string{},
	}
}

// Register adds (or replaces) the JSON Schema text for name.
func (d *Default) Register(name string, schemaJSON string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	url := "mem://" + name
	if err := d.compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schemavalidator: register %s: %w", name, err)
	}
	sch, err := d.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("schemavalidator: compile %s: %w", name, err)
	}
	d.compiled[name] = sch
	d.schemaSrc[name] = schemaJSON
	return nil
}

// Validate checks doc (marshaled to JSON then decoded to an any) against
// the schema registered as name. If no schema is registered for name,
// Validate is a no-op success — unregistered artifact kinds are not
// validated, matching the spec's "failures are recorded but never block".
func (d *Default) Validate(name string, doc any) error {
	d.mu.Lock()
	sch, ok := d.compiled[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
