// Package abi defines the guest-facing contract of capability modules: the
// interface and world names a module can implement, the JSON records its
// discovery exports return, and the packed pointer convention used to hand
// those records across the sandbox boundary.
package abi

import "strings"

// ModuleKind is the discovery interface a module declares.
type ModuleKind int

const (
	KindUnknown ModuleKind = iota
	KindTypes
	KindNodes
)

func (k ModuleKind) String() string {
	switch k {
	case KindTypes:
		return "types"
	case KindNodes:
		return "nodes"
	default:
		return "unknown"
	}
}

// ParseModuleKind maps "types"/"nodes" to a kind. Anything else is KindUnknown.
func ParseModuleKind(s string) ModuleKind {
	switch s {
	case "types":
		return KindTypes
	case "nodes":
		return KindNodes
	default:
		return KindUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ModuleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

const (
	TypesInterface = "cognexus:plugin/types"
	NodesInterface = "cognexus:plugin/nodes"

	ListTypesFunc = "list-types"
	ListNodesFunc = "list-nodes"

	// HostModule is the import module under which the host exposes its functions.
	HostModule = "cognexus:host"
	// WASIModule is the WASI preview1 import module.
	WASIModule = "wasi_snapshot_preview1"

	// MemoryExport is the memory every discovery payload is read from.
	MemoryExport = "memory"

	exportSeparator = "#"
)

// World is the capability set a module is instantiated against: the single
// interface it must export and the import modules it may use.
type World struct {
	Name           string
	Interface      string
	Export         string
	AllowedImports []string
	Kind           ModuleKind
}

var (
	TypesWorld = World{
		Name:           "types-plugin",
		Kind:           KindTypes,
		Interface:      TypesInterface,
		Export:         ListTypesFunc,
		AllowedImports: []string{WASIModule, HostModule},
	}
	NodesWorld = World{
		Name:           "nodes-plugin",
		Kind:           KindNodes,
		Interface:      NodesInterface,
		Export:         ListNodesFunc,
		AllowedImports: []string{WASIModule, HostModule},
	}
)

// WorldFor returns the world for a known kind.
func WorldFor(kind ModuleKind) (World, bool) {
	switch kind {
	case KindTypes:
		return TypesWorld, true
	case KindNodes:
		return NodesWorld, true
	default:
		return World{}, false
	}
}

// ExportName is the fully qualified export implementing the world's
// discovery function, e.g. "cognexus:plugin/types#list-types".
func (w World) ExportName() string {
	return w.Interface + exportSeparator + w.Export
}

// Allows reports whether the world permits imports from module.
func (w World) Allows(module string) bool {
	for _, m := range w.AllowedImports {
		if m == module {
			return true
		}
	}
	return false
}

// SplitExport splits "interface#function". ok is false when there is no
// separator.
func SplitExport(name string) (iface, fn string, ok bool) {
	i := strings.LastIndex(name, exportSeparator)
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// ClassifyExports derives the module kind from its exported function names.
// Interface names are compared for exact equality only. A module whose
// exports claim both interfaces is ambiguous and classifies as KindUnknown.
func ClassifyExports(names []string) ModuleKind {
	var types, nodes bool
	for _, name := range names {
		iface, fn, ok := SplitExport(name)
		if !ok {
			continue
		}
		switch {
		case iface == TypesInterface && fn == ListTypesFunc:
			types = true
		case iface == NodesInterface && fn == ListNodesFunc:
			nodes = true
		}
	}
	switch {
	case types && !nodes:
		return KindTypes
	case nodes && !types:
		return KindNodes
	default:
		return KindUnknown
	}
}

// PackPtrLen packs a guest pointer and length into one value, pointer in the
// high 32 bits.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen reverses PackPtrLen.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	//nolint:gosec // WASM pointers are 32-bit
	ptr = uint32(packed >> 32)
	//nolint:gosec // WASM lengths are 32-bit
	length = uint32(packed)
	return ptr, length
}
