// Package wasmtest assembles small WebAssembly binaries for tests, so the
// loader and orchestrator can be exercised without a guest toolchain.
package wasmtest

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/cognexus/plugin-host/abi"
)

// Value types.
const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
)

// PayloadOffset is where fixtures place their discovery payload in memory.
const PayloadOffset = 1024

// logOffset is where LoggingModule places its log message.
const logOffset = 32768

// Builder assembles a module on top of the wabin module model.
type Builder struct {
	m           wasm.Module
	importFuncs uint32
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []wasm.ValueType) wasm.Index {
	for i, t := range b.m.TypeSection {
		if t.EqualsSignature(params, results) {
			return wasm.Index(i)
		}
	}
	b.m.TypeSection = append(b.m.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	return wasm.Index(len(b.m.TypeSection) - 1)
}

// ImportFunc declares a function import and returns its function index.
// All imports must be declared before any Func.
func (b *Builder) ImportFunc(module, name string, params, results []wasm.ValueType) wasm.Index {
	if len(b.m.CodeSection) > 0 {
		panic("wasmtest: imports must precede defined functions")
	}
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: b.typeIndex(params, results),
	})
	b.importFuncs++
	return b.importFuncs - 1
}

// Func defines a function with the given body (without the final end
// opcode) and returns its function index.
func (b *Builder) Func(params, results []wasm.ValueType, body []byte) wasm.Index {
	b.m.FunctionSection = append(b.m.FunctionSection, b.typeIndex(params, results))
	b.m.CodeSection = append(b.m.CodeSection, &wasm.Code{
		Body: append(slices.Clone(body), wasm.OpcodeEnd),
	})
	return b.importFuncs + wasm.Index(len(b.m.CodeSection)) - 1
}

// ExportFunc exports function idx under name.
func (b *Builder) ExportFunc(name string, idx wasm.Index) {
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
}

// Memory defines memory 0 with the given number of pages and exports it as
// "memory".
func (b *Builder) Memory(pages uint32) {
	b.UnexportedMemory(pages)
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: abi.MemoryExport})
}

// UnexportedMemory defines memory 0 without exporting it.
func (b *Builder) UnexportedMemory(pages uint32) {
	b.m.MemorySection = &wasm.Memory{Min: pages}
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{
			Opcode: wasm.OpcodeI32Const,
			Data:   leb128.EncodeInt32(int32(offset)),
		},
		Init: data,
	})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	return binary.EncodeModule(&b.m)
}

// ReturnPacked is a function body returning the constant packed pointer.
func ReturnPacked(ptr, length uint32) []byte {
	return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(int64(abi.PackPtrLen(ptr, length)))...)
}

// Unreachable is a function body that traps immediately.
func Unreachable() []byte {
	return []byte{wasm.OpcodeUnreachable}
}

// Spin is a function body that never returns. The trailing unreachable
// satisfies the i64 result type.
func Spin() []byte {
	const blockTypeEmpty = 0x40
	return []byte{wasm.OpcodeLoop, blockTypeEmpty, wasm.OpcodeBr, 0x00, wasm.OpcodeEnd, wasm.OpcodeUnreachable}
}

// Discovery builds a module exporting memory and one function named export
// that returns payload.
func Discovery(export string, payload []byte) []byte {
	b := NewBuilder()
	b.Memory(1)
	fn := b.Func(nil, []wasm.ValueType{I64}, ReturnPacked(PayloadOffset, uint32(len(payload))))
	b.ExportFunc(export, fn)
	if len(payload) > 0 {
		b.Data(PayloadOffset, payload)
	}
	return b.Bytes()
}

// TypesModule is a well-formed types module returning payload.
func TypesModule(payload string) []byte {
	return Discovery(abi.TypesWorld.ExportName(), []byte(payload))
}

// NodesModule is a well-formed nodes module returning payload.
func NodesModule(payload string) []byte {
	return Discovery(abi.NodesWorld.ExportName(), []byte(payload))
}

// TrappingModule exports export but traps when it is called.
func TrappingModule(export string) []byte {
	b := NewBuilder()
	b.Memory(1)
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, Unreachable()))
	return b.Bytes()
}

// SpinningModule exports export but never returns from it.
func SpinningModule(export string) []byte {
	b := NewBuilder()
	b.Memory(1)
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, Spin()))
	return b.Bytes()
}

// OutOfBoundsModule returns a pointer beyond its single page of memory.
func OutOfBoundsModule(export string) []byte {
	b := NewBuilder()
	b.Memory(1)
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, ReturnPacked(0x00ff0000, 64)))
	return b.Bytes()
}

// ImportingModule is a discovery module that additionally imports a
// function () -> () from module.name.
func ImportingModule(export, module, name string, payload []byte) []byte {
	b := NewBuilder()
	b.ImportFunc(module, name, nil, nil)
	b.Memory(1)
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, ReturnPacked(PayloadOffset, uint32(len(payload)))))
	if len(payload) > 0 {
		b.Data(PayloadOffset, payload)
	}
	return b.Bytes()
}

// LoggingModule calls the host log import with logJSON before returning
// payload.
func LoggingModule(export string, logJSON, payload []byte) []byte {
	b := NewBuilder()
	logFn := b.ImportFunc(abi.HostModule, "log", []wasm.ValueType{I64}, nil)
	b.Memory(1)

	var body []byte
	body = append(body, ReturnPacked(logOffset, uint32(len(logJSON)))...)
	body = append(body, wasm.OpcodeCall)
	body = append(body, leb128.EncodeUint32(logFn)...)
	body = append(body, ReturnPacked(PayloadOffset, uint32(len(payload)))...)

	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, body))
	b.Data(logOffset, logJSON)
	if len(payload) > 0 {
		b.Data(PayloadOffset, payload)
	}
	return b.Bytes()
}

// NoMemoryModule exports a discovery function but no memory.
func NoMemoryModule(export string) []byte {
	b := NewBuilder()
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I64}, ReturnPacked(0, 0)))
	return b.Bytes()
}

// WrongSignatureModule exports export with signature () -> i32.
func WrongSignatureModule(export string) []byte {
	b := NewBuilder()
	b.Memory(1)
	b.ExportFunc(export, b.Func(nil, []wasm.ValueType{I32}, append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(0)...)))
	return b.Bytes()
}

// Garbage is a file with a .wasm extension that is not WebAssembly.
func Garbage() []byte {
	return []byte("this is not a webassembly module")
}

// TypeJSON renders a list-types payload.
func TypeJSON(records ...abi.TypeInfo) string {
	return mustJSON(records)
}

// NodeJSON renders a list-nodes payload. Nil port lists are rendered as
// empty arrays.
func NodeJSON(records ...abi.NodeInfo) string {
	out := make([]abi.NodeInfo, len(records))
	for i, r := range records {
		if r.InputPorts == nil {
			r.InputPorts = []abi.PortSpec{}
		}
		if r.OutputPorts == nil {
			r.OutputPorts = []abi.PortSpec{}
		}
		out[i] = r
	}
	return mustJSON(out)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wasmtest: %v", err))
	}
	return string(b)
}
