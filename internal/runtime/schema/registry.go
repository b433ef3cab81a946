// Package schema holds the registry of payload schemas. Every (type, version)
// pair on the bus must resolve to exactly one registered schema; the validating
// publisher and subscriber both refuse envelopes that miss the registry or fail
// their schema.
package schema

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/drblury/docflow/internal/runtime/envelope"
	errspkg "github.com/drblury/docflow/internal/runtime/errors"
)

type schemaKey struct {
	eventType string
	version   string
}

// Registry maps (event type, version) pairs to compiled JSON schemas
// (draft 2020-12). It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles schemaJSON and binds it to (eventType, version).
// Re-registering a pair replaces the previous schema.
func (r *Registry) Register(eventType, version string, schemaJSON []byte) error {
	if eventType == "" {
		return fmt.Errorf("docflow: schema registration needs an event type")
	}
	if version == "" {
		version = envelope.DefaultVersion
	}
	if len(schemaJSON) == 0 {
		return errspkg.ErrSchemaRequired
	}

	compiled, err := compile(eventType, version, schemaJSON)
	if err != nil {
		return fmt.Errorf("docflow: compiling schema for %s/%s: %w", eventType, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey{eventType, version}] = compiled
	return nil
}

// MustRegister is Register for wiring code that treats a bad schema as a
// programming error.
func (r *Registry) MustRegister(eventType, version string, schemaJSON []byte) {
	if err := r.Register(eventType, version, schemaJSON); err != nil {
		panic(err)
	}
}

// RegisterFailure binds the shared failure-payload schema to failureType,
// unless the operator already registered a custom schema for it.
func (r *Registry) RegisterFailure(failureType string) error {
	if r.Registered(failureType, envelope.DefaultVersion) {
		return nil
	}
	return r.Register(failureType, envelope.DefaultVersion, []byte(FailureSchemaJSON))
}

// Registered reports whether (eventType, version) resolves to a schema.
func (r *Registry) Registered(eventType, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[schemaKey{eventType, version}]
	return ok
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.schemas))
	for k := range r.schemas {
		seen[k.eventType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Versions returns the registered versions for eventType, sorted.
func (r *Registry) Versions(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var versions []string
	for k := range r.schemas {
		if k.eventType == eventType {
			versions = append(versions, k.version)
		}
	}
	sort.Strings(versions)
	return versions
}

// Validate checks an envelope against its registered schema. A registry miss
// and a payload mismatch both come back as *envelope.ValidationError; the
// acknowledgment policy treats them identically (permanent, drop).
func (r *Registry) Validate(e *envelope.Event) error {
	if e == nil {
		return errspkg.ErrEventRequired
	}
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	compiled, ok := r.schemas[schemaKey{e.Type, e.Version}]
	r.mu.RUnlock()

	if !ok {
		return &envelope.ValidationError{
			Type:    e.Type,
			Version: e.Version,
			Err:     fmt.Errorf("no schema registered"),
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(e.Data))
	if err != nil {
		return &envelope.ValidationError{Type: e.Type, Version: e.Version, Err: err}
	}
	if err := compiled.Validate(inst); err != nil {
		return &envelope.ValidationError{Type: e.Type, Version: e.Version, Err: err}
	}
	return nil
}

// ValidateWire parses wire bytes and validates the result in one step; the
// subscriber-side entry point.
func (r *Registry) ValidateWire(b []byte) (*envelope.Event, error) {
	e, err := envelope.Parse(b)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func compile(eventType, version string, schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("docflow://schemas/%s/%s", eventType, version)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
