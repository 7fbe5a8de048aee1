package abi

// TypeInfo is one record returned by list-types.
type TypeInfo struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Version     string `json:"version" yaml:"version"`
}

// Direction values as they appear on the wire.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// PortSpec describes one port of a node record.
type PortSpec struct {
	Name       string `json:"name" yaml:"name"`
	DataTypeID string `json:"data_type_id" yaml:"data_type_id"`
	Direction  string `json:"direction" yaml:"direction"`
}

// NodeInfo is one record returned by list-nodes.
type NodeInfo struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Version     string     `json:"version" yaml:"version"`
	InputPorts  []PortSpec `json:"input_ports" yaml:"input_ports"`
	OutputPorts []PortSpec `json:"output_ports" yaml:"output_ports"`
}

// Records is the raw result of one discovery call. Exactly one of Types and
// Nodes is meaningful, selected by Kind.
type Records struct {
	Types []TypeInfo
	Nodes []NodeInfo
	Kind  ModuleKind
}

// Len returns the number of records.
func (r Records) Len() int {
	if r.Kind == KindNodes {
		return len(r.Nodes)
	}
	return len(r.Types)
}
