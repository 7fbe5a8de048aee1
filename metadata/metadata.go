// Package metadata holds the host's internal representation of discovered
// capabilities. Values are immutable once built: slices are copied on the
// way in and on the way out.
package metadata

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Kind selects one of the two independent identifier namespaces.
type Kind int

const (
	KindType Kind = iota + 1
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindType:
		return "type"
	case KindNode:
		return "node"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind maps "type"/"node" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "type", "types":
		return KindType, nil
	case "node", "nodes":
		return KindNode, nil
	default:
		return 0, fmt.Errorf("unknown metadata kind %q", s)
	}
}

// Entry is anything the registry can store.
type Entry interface {
	Kind() Kind
	ID() uuid.UUID
	Name() string
	Version() *semver.Version
}

// Direction of a port.
type Direction int

const (
	Input Direction = iota + 1
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TypeDefinition is one discoverable data type.
type TypeDefinition struct {
	version     *semver.Version
	name        string
	description string
	id          uuid.UUID
}

// NewTypeDefinition builds a TypeDefinition. Validation is the translator's job.
func NewTypeDefinition(id uuid.UUID, name, description string, version *semver.Version) TypeDefinition {
	return TypeDefinition{id: id, name: name, description: description, version: version}
}

func (t TypeDefinition) Kind() Kind               { return KindType }
func (t TypeDefinition) ID() uuid.UUID            { return t.id }
func (t TypeDefinition) Name() string             { return t.name }
func (t TypeDefinition) Description() string      { return t.description }
func (t TypeDefinition) Version() *semver.Version { return t.version }

// PortSpec is one port of a node definition. DataTypeID references a
// TypeDefinition that may not be registered yet.
type PortSpec struct {
	Name       string
	DataTypeID uuid.UUID
	Direction  Direction
}

// NodeDefinition is one discoverable workflow step.
type NodeDefinition struct {
	version     *semver.Version
	name        string
	description string
	inputs      []PortSpec
	outputs     []PortSpec
	id          uuid.UUID
}

// NewNodeDefinition builds a NodeDefinition, copying the port slices.
func NewNodeDefinition(
	id uuid.UUID,
	name, description string,
	version *semver.Version,
	inputs, outputs []PortSpec,
) NodeDefinition {
	return NodeDefinition{
		id:          id,
		name:        name,
		description: description,
		version:     version,
		inputs:      slices.Clone(inputs),
		outputs:     slices.Clone(outputs),
	}
}

func (n NodeDefinition) Kind() Kind               { return KindNode }
func (n NodeDefinition) ID() uuid.UUID            { return n.id }
func (n NodeDefinition) Name() string             { return n.name }
func (n NodeDefinition) Description() string      { return n.description }
func (n NodeDefinition) Version() *semver.Version { return n.version }

// InputPorts returns a copy of the input ports in declaration order.
func (n NodeDefinition) InputPorts() []PortSpec { return slices.Clone(n.inputs) }

// OutputPorts returns a copy of the output ports in declaration order.
func (n NodeDefinition) OutputPorts() []PortSpec { return slices.Clone(n.outputs) }

// Summary is a serialisable view of an Entry, used by reports and the CLI.
type Summary struct {
	ID          string        `json:"id" yaml:"id"`
	Kind        string        `json:"kind" yaml:"kind"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string        `json:"version" yaml:"version"`
	InputPorts  []PortSummary `json:"input_ports,omitempty" yaml:"input_ports,omitempty"`
	OutputPorts []PortSummary `json:"output_ports,omitempty" yaml:"output_ports,omitempty"`
}

// PortSummary is the serialisable view of a PortSpec.
type PortSummary struct {
	Name       string `json:"name" yaml:"name"`
	DataTypeID string `json:"data_type_id" yaml:"data_type_id"`
	Direction  string `json:"direction" yaml:"direction"`
}

// Summarize converts an entry into its serialisable view.
func Summarize(e Entry) Summary {
	s := Summary{
		ID:   e.ID().String(),
		Kind: e.Kind().String(),
		Name: e.Name(),
	}
	if v := e.Version(); v != nil {
		s.Version = v.Original()
	}
	switch d := e.(type) {
	case TypeDefinition:
		s.Description = d.Description()
	case NodeDefinition:
		s.Description = d.Description()
		s.InputPorts = summarizePorts(d.inputs)
		s.OutputPorts = summarizePorts(d.outputs)
	}
	return s
}

func summarizePorts(ports []PortSpec) []PortSummary {
	out := make([]PortSummary, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortSummary{
			Name:       p.Name,
			DataTypeID: p.DataTypeID.String(),
			Direction:  p.Direction.String(),
		})
	}
	return out
}
