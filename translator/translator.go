// Package translator maps guest discovery records into host metadata.
//
// Every function here is pure: no I/O, no registry access, no defaults.
// A record that fails structural validation yields a TranslationError naming
// the offending field instead of a partially filled definition. Port data
// type references are not resolved; discovery order across modules is not
// guaranteed, so resolution is left to consumers.
package translator

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/metadata"
)

const op = "translate"

// FieldError identifies the record field that failed validation.
type FieldError struct {
	Err   error
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(field string, format string, args ...any) error {
	return pluginhost.NewError(pluginhost.ErrorKindTranslation, op, "",
		&FieldError{Field: field, Err: fmt.Errorf(format, args...)})
}

// Type translates one TypeInfo.
func Type(info abi.TypeInfo) (metadata.TypeDefinition, error) {
	return typeAt("type", info)
}

func typeAt(path string, info abi.TypeInfo) (metadata.TypeDefinition, error) {
	id, err := parseID(path+".id", info.ID)
	if err != nil {
		return metadata.TypeDefinition{}, err
	}
	if err := requireName(path+".name", info.Name); err != nil {
		return metadata.TypeDefinition{}, err
	}
	version, err := parseVersion(path+".version", info.Version)
	if err != nil {
		return metadata.TypeDefinition{}, err
	}
	return metadata.NewTypeDefinition(id, info.Name, info.Description, version), nil
}

// Node translates one NodeInfo, preserving port order.
func Node(info abi.NodeInfo) (metadata.NodeDefinition, error) {
	return nodeAt("node", info)
}

func nodeAt(path string, info abi.NodeInfo) (metadata.NodeDefinition, error) {
	id, err := parseID(path+".id", info.ID)
	if err != nil {
		return metadata.NodeDefinition{}, err
	}
	if err := requireName(path+".name", info.Name); err != nil {
		return metadata.NodeDefinition{}, err
	}
	version, err := parseVersion(path+".version", info.Version)
	if err != nil {
		return metadata.NodeDefinition{}, err
	}
	inputs, err := ports(path+".input_ports", info.InputPorts, metadata.Input)
	if err != nil {
		return metadata.NodeDefinition{}, err
	}
	outputs, err := ports(path+".output_ports", info.OutputPorts, metadata.Output)
	if err != nil {
		return metadata.NodeDefinition{}, err
	}
	return metadata.NewNodeDefinition(id, info.Name, info.Description, version, inputs, outputs), nil
}

func ports(path string, specs []abi.PortSpec, want metadata.Direction) ([]metadata.PortSpec, error) {
	out := make([]metadata.PortSpec, 0, len(specs))
	for i, spec := range specs {
		p, err := portAt(fmt.Sprintf("%s[%d]", path, i), spec, want)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Port translates one PortSpec that appears in a list of ports with
// direction want.
func Port(spec abi.PortSpec, want metadata.Direction) (metadata.PortSpec, error) {
	return portAt("port", spec, want)
}

func portAt(path string, spec abi.PortSpec, want metadata.Direction) (metadata.PortSpec, error) {
	if err := requireName(path+".name", spec.Name); err != nil {
		return metadata.PortSpec{}, err
	}
	typeID, err := parseID(path+".data_type_id", spec.DataTypeID)
	if err != nil {
		return metadata.PortSpec{}, err
	}
	dir, err := Direction(spec.Direction)
	if err != nil {
		return metadata.PortSpec{}, fieldErr(path+".direction", "%v", err)
	}
	if dir != want {
		return metadata.PortSpec{}, fieldErr(path+".direction",
			"%s port listed among %s ports", dir, want)
	}
	return metadata.PortSpec{Name: spec.Name, DataTypeID: typeID, Direction: dir}, nil
}

// Direction maps the wire direction. Only the exact lowercase values are
// accepted.
func Direction(s string) (metadata.Direction, error) {
	switch s {
	case abi.DirectionInput:
		return metadata.Input, nil
	case abi.DirectionOutput:
		return metadata.Output, nil
	default:
		return 0, fmt.Errorf("unknown port direction %q", s)
	}
}

// Types translates every record of a types module. Identifiers must be
// unique within the list.
func Types(infos []abi.TypeInfo) ([]metadata.TypeDefinition, error) {
	out := make([]metadata.TypeDefinition, 0, len(infos))
	seen := make(map[uuid.UUID]int, len(infos))
	for i, info := range infos {
		path := fmt.Sprintf("types[%d]", i)
		def, err := typeAt(path, info)
		if err != nil {
			return nil, err
		}
		if j, dup := seen[def.ID()]; dup {
			return nil, fieldErr(path+".id", "identifier %s repeats types[%d]", def.ID(), j)
		}
		seen[def.ID()] = i
		out = append(out, def)
	}
	return out, nil
}

// Nodes translates every record of a nodes module. Identifiers must be
// unique within the list.
func Nodes(infos []abi.NodeInfo) ([]metadata.NodeDefinition, error) {
	out := make([]metadata.NodeDefinition, 0, len(infos))
	seen := make(map[uuid.UUID]int, len(infos))
	for i, info := range infos {
		path := fmt.Sprintf("nodes[%d]", i)
		def, err := nodeAt(path, info)
		if err != nil {
			return nil, err
		}
		if j, dup := seen[def.ID()]; dup {
			return nil, fieldErr(path+".id", "identifier %s repeats nodes[%d]", def.ID(), j)
		}
		seen[def.ID()] = i
		out = append(out, def)
	}
	return out, nil
}

// Records translates the result of one discovery call into registry entries.
func Records(recs abi.Records) ([]metadata.Entry, error) {
	switch recs.Kind {
	case abi.KindTypes:
		defs, err := Types(recs.Types)
		if err != nil {
			return nil, err
		}
		out := make([]metadata.Entry, 0, len(defs))
		for _, d := range defs {
			out = append(out, d)
		}
		return out, nil
	case abi.KindNodes:
		defs, err := Nodes(recs.Nodes)
		if err != nil {
			return nil, err
		}
		out := make([]metadata.Entry, 0, len(defs))
		for _, d := range defs {
			out = append(out, d)
		}
		return out, nil
	default:
		return nil, pluginhost.Errorf(pluginhost.ErrorKindTranslation, op, "",
			"cannot translate records of kind %s", recs.Kind)
	}
}

func requireName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return fieldErr(field, "must not be empty")
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fieldErr(field, "must not be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fieldErr(field, "%q is not a UUID: %v", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fieldErr(field, "nil UUID is not a valid identifier")
	}
	return id, nil
}

func parseVersion(field, s string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return nil, fieldErr(field, "%q is not a semantic version: %v", s, err)
	}
	return v, nil
}
