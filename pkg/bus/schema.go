package bus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema pairs the compiled validator with the raw document so
// discovery can return the schema to clients.
type compiledSchema struct {
	raw    map[string]any
	schema *jsonschema.Schema
}

// RegisterSchema attaches a JSON Schema to an event name. Subsequent emits
// of that event validate their payload before dispatch; failures produce a
// VALIDATION error envelope without invoking any handler.
func (r *Router) RegisterSchema(event string, document map[string]any) error {
	raw, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode schema for %s: %w", event, err)
	}

	compiler := jsonschema.NewCompiler()
	url := "ksi:///" + event
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to add schema resource for %s: %w", event, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", event, err)
	}

	r.schemaMu.Lock()
	r.schemas[event] = &compiledSchema{raw: document, schema: schema}
	r.schemaMu.Unlock()
	return nil
}

// Schema returns the raw schema document for an event, or nil.
func (r *Router) Schema(event string) map[string]any {
	r.schemaMu.RLock()
	defer r.schemaMu.RUnlock()
	if cs, ok := r.schemas[event]; ok {
		return cs.raw
	}
	return nil
}

// validateSchema checks the payload against the event's schema, if any.
// The payload round-trips through JSON so validation sees exactly the wire
// representation (internal emits may carry typed values).
func (r *Router) validateSchema(event string, data map[string]any) error {
	r.schemaMu.RLock()
	cs, ok := r.schemas[event]
	r.schemaMu.RUnlock()
	if !ok {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := cs.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for %s failed validation: %w", event, err)
	}
	return nil
}
