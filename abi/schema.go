package abi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas only constrain shape (arrays of objects with string
// fields). Required-field and format checks belong to the translator so that
// a missing name surfaces as a translation error, not an invocation error.

type compiledSchemas struct {
	raw      map[ModuleKind][]byte
	compiled map[ModuleKind]*santhosh.Schema
}

var loadSchemas = sync.OnceValues(func() (*compiledSchemas, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}

	out := &compiledSchemas{
		raw:      make(map[ModuleKind][]byte),
		compiled: make(map[ModuleKind]*santhosh.Schema),
	}
	models := map[ModuleKind]any{
		KindTypes: &TypeInfo{},
		KindNodes: &NodeInfo{},
	}
	for kind, model := range models {
		raw, err := arraySchema(reflector, model, kind)
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("cognexus://schema/%s.json", kind)
		c := santhosh.NewCompiler()
		c.Draft = santhosh.Draft2020
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to add %s schema: %w", kind, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		out.raw[kind] = raw
		out.compiled[kind] = sch
	}
	return out, nil
})

// arraySchema reflects model and wraps it as the items of a top-level array.
func arraySchema(r *jsonschema.Reflector, model any, kind ModuleKind) ([]byte, error) {
	item, err := json.Marshal(r.Reflect(model))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s item schema: %w", kind, err)
	}
	var itemMap map[string]any
	if err := json.Unmarshal(item, &itemMap); err != nil {
		return nil, err
	}
	delete(itemMap, "$schema")
	delete(itemMap, "$id")

	doc := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   fmt.Sprintf("%s discovery payload", kind),
		"type":    "array",
		"items":   itemMap,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Schema returns the JSON Schema a discovery payload of the given kind must
// satisfy.
func Schema(kind ModuleKind) ([]byte, error) {
	s, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	raw, ok := s.raw[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for module kind %s", kind)
	}
	return raw, nil
}

// Decode validates a discovery payload against the schema for kind and
// decodes it into records. An empty payload is an empty list.
func Decode(kind ModuleKind, payload []byte) (Records, error) {
	recs := Records{Kind: kind}
	if len(bytes.TrimSpace(payload)) == 0 {
		return recs, nil
	}

	s, err := loadSchemas()
	if err != nil {
		return recs, err
	}
	sch, ok := s.compiled[kind]
	if !ok {
		return recs, fmt.Errorf("no schema for module kind %s", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return recs, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return recs, fmt.Errorf("payload does not match %s schema: %w", kind, err)
	}

	switch kind {
	case KindTypes:
		err = json.Unmarshal(payload, &recs.Types)
	case KindNodes:
		err = json.Unmarshal(payload, &recs.Nodes)
	}
	if err != nil {
		return recs, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return recs, nil
}
