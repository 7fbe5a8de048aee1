// Package loader instantiates capability modules in a wazero sandbox and
// calls their discovery export.
//
// Every call is bounded by a timeout, runs in a fresh anonymous module
// instance, and converts guest traps and host-side panics into structured
// errors. Nothing a guest does can unwind past Discover.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/hostfn"
)

// Loader manages the wazero runtime shared by all module instantiations.
type Loader struct {
	runtime          wazero.Runtime
	cache            wazero.CompilationCache
	logger           *slog.Logger
	middleware       []pluginhost.Middleware
	timeout          time.Duration
	maxModuleSize    int64
	maxPayloadSize   uint32
	memoryLimitPages uint32
	ownsCache        bool
}

// New creates a loader with WASI preview1 and the host module available to
// guests.
func New(ctx context.Context, opts ...Option) (*Loader, error) {
	l := &Loader{
		logger:           slog.Default(),
		timeout:          DefaultTimeout,
		maxModuleSize:    DefaultMaxModuleSize,
		maxPayloadSize:   DefaultMaxPayloadSize,
		memoryLimitPages: DefaultMemoryLimitPages,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cache == nil {
		l.cache = wazero.NewCompilationCache()
		l.ownsCache = true
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(l.memoryLimitPages).
		WithCompilationCache(l.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	mws := append([]pluginhost.Middleware{pluginhost.LoggingMiddleware(l.logger)}, l.middleware...)
	if err := hostfn.Register(ctx, rt, hostfn.WithLogger(l.logger), hostfn.WithMiddleware(mws...)); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	l.runtime = rt
	return l, nil
}

// Close releases the runtime and, unless it was supplied by the caller, the
// compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	err := l.runtime.Close(ctx)
	if l.ownsCache {
		err = errors.Join(err, l.cache.Close(ctx))
	}
	return err
}

// Timeout returns the per-module bound.
func (l *Loader) Timeout() time.Duration {
	return l.timeout
}

// ReadModule reads a module file, refusing files above the size limit.
func (l *Loader) ReadModule(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from the scanner
	if err != nil {
		return nil, pluginhost.NewError(pluginhost.ErrorKindIO, "read", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(newLimitedReader(f, l.maxModuleSize))
	if err != nil {
		return nil, pluginhost.NewError(pluginhost.ErrorKindIO, "read", path, err)
	}
	return data, nil
}

// Classify compiles wasm without instantiating it and derives the module
// kind from its exports. A binary that does not compile is a LoadError;
// one that compiles but claims no known interface is ClassificationUnknown.
func (l *Loader) Classify(ctx context.Context, wasm []byte) (abi.ModuleKind, error) {
	compiled, err := l.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return abi.KindUnknown, pluginhost.NewError(pluginhost.ErrorKindLoad, "compile", "", err)
	}
	defer func() { _ = compiled.Close(context.WithoutCancel(ctx)) }()

	exports := slices.Sorted(maps.Keys(compiled.ExportedFunctions()))
	kind := abi.ClassifyExports(exports)
	if kind == abi.KindUnknown {
		return kind, pluginhost.Errorf(pluginhost.ErrorKindClassificationUnknown, "classify", "",
			"exports %v implement neither %s nor %s", exports, abi.TypesInterface, abi.NodesInterface)
	}
	return kind, nil
}

// ListTypes loads the module at path in the types world and returns its
// records.
func (l *Loader) ListTypes(ctx context.Context, path string) ([]abi.TypeInfo, error) {
	recs, err := l.Discover(ctx, path, abi.KindTypes)
	return recs.Types, err
}

// ListNodes loads the module at path in the nodes world and returns its
// records.
func (l *Loader) ListNodes(ctx context.Context, path string) ([]abi.NodeInfo, error) {
	recs, err := l.Discover(ctx, path, abi.KindNodes)
	return recs.Nodes, err
}

// Discover reads the module at path and invokes the discovery export of the
// world matching kind.
func (l *Loader) Discover(ctx context.Context, path string, kind abi.ModuleKind) (abi.Records, error) {
	world, ok := abi.WorldFor(kind)
	if !ok {
		return abi.Records{Kind: kind}, pluginhost.Errorf(pluginhost.ErrorKindClassificationUnknown,
			"discover", path, "no world for module kind %s", kind)
	}
	wasm, err := l.ReadModule(path)
	if err != nil {
		return abi.Records{Kind: kind}, err
	}
	return l.DiscoverBytes(ctx, path, world, wasm)
}

// DiscoverBytes instantiates wasm against world and invokes its discovery
// export. path is only used for error reporting and log attribution.
func (l *Loader) DiscoverBytes(ctx context.Context, path string, world abi.World, wasm []byte) (recs abi.Records, err error) {
	recs.Kind = world.Kind
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ctx = hostfn.WithModulePath(ctx, path)

	defer func() {
		if p := recover(); p != nil {
			recs = abi.Records{Kind: world.Kind}
			err = pluginhost.Errorf(pluginhost.ErrorKindInvocation, "invoke", path, "host panicked: %v", p)
		}
	}()

	compiled, err := l.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return recs, l.loadErr(ctx, "compile", path, err)
	}
	defer func() { _ = compiled.Close(context.WithoutCancel(ctx)) }()

	if err := checkWorld(world, compiled); err != nil {
		return recs, pluginhost.NewError(pluginhost.ErrorKindLoad, "link", path, err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	mod, err := l.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return recs, l.loadErr(ctx, "instantiate", path, err)
	}
	defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()

	payload, err := l.call(ctx, mod, world)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return recs, pluginhost.Errorf(pluginhost.ErrorKindInvocation, "invoke", path,
				"%s did not return within %s: %w", world.ExportName(), l.timeout, err)
		}
		return recs, pluginhost.NewError(pluginhost.ErrorKindInvocation, "invoke", path, err)
	}

	recs, err = abi.Decode(world.Kind, payload)
	if err != nil {
		return abi.Records{Kind: world.Kind}, pluginhost.NewError(pluginhost.ErrorKindInvocation, "decode", path, err)
	}

	l.logger.DebugContext(ctx, "module discovered",
		"path", path, "world", world.Name, "records", recs.Len(), "elapsed", time.Since(start))
	return recs, nil
}

func (l *Loader) loadErr(ctx context.Context, op, path string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pluginhost.Errorf(pluginhost.ErrorKindLoad, op, path, "timed out after %s: %w", l.timeout, err)
	}
	return pluginhost.NewError(pluginhost.ErrorKindLoad, op, path, err)
}

// call invokes the discovery export and copies the payload out of guest
// memory.
func (l *Loader) call(ctx context.Context, mod api.Module, world abi.World) ([]byte, error) {
	fn := mod.ExportedFunction(world.ExportName())
	if fn == nil {
		return nil, fmt.Errorf("function %q not found", world.ExportName())
	}

	res, err := fn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("call failed: %w", err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%s returned %d values, want 1", world.ExportName(), len(res))
	}

	ptr, length := abi.UnpackPtrLen(res[0])
	if length == 0 {
		return nil, nil
	}
	if length > l.maxPayloadSize {
		return nil, fmt.Errorf("payload of %s exceeds limit of %s",
			FormatSize(int64(length)), FormatSize(int64(l.maxPayloadSize)))
	}

	mem := mod.ExportedMemory(abi.MemoryExport)
	if mem == nil {
		return nil, fmt.Errorf("module does not export %q", abi.MemoryExport)
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("payload ptr=%d len=%d is outside guest memory of %d bytes", ptr, length, mem.Size())
	}
	// Copy data: guest memory is released when the instance closes.
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// checkWorld verifies a compiled module satisfies world before it is
// instantiated: the discovery export has the expected signature, memory is
// exported, and every import comes from a module the world allows.
func checkWorld(world abi.World, compiled wazero.CompiledModule) error {
	exports := compiled.ExportedFunctions()
	names := slices.Sorted(maps.Keys(exports))
	if kind := abi.ClassifyExports(names); kind != world.Kind {
		return fmt.Errorf("module implements %s, not the %s world", kind, world.Name)
	}

	def := exports[world.ExportName()]
	if len(def.ParamTypes()) != 0 || !slices.Equal(def.ResultTypes(), []api.ValueType{api.ValueTypeI64}) {
		return fmt.Errorf("%s has signature %v -> %v, want () -> i64",
			world.ExportName(), valueTypeNames(def.ParamTypes()), valueTypeNames(def.ResultTypes()))
	}

	if _, ok := compiled.ExportedMemories()[abi.MemoryExport]; !ok {
		return fmt.Errorf("module does not export %q", abi.MemoryExport)
	}

	for _, imp := range compiled.ImportedFunctions() {
		module, name, _ := imp.Import()
		if !world.Allows(module) {
			return fmt.Errorf("incompatible capability set: import %s.%s is not part of the %s world",
				module, name, world.Name)
		}
	}
	for _, imp := range compiled.ImportedMemories() {
		module, name, _ := imp.Import()
		if !world.Allows(module) {
			return fmt.Errorf("incompatible capability set: memory import %s.%s is not part of the %s world",
				module, name, world.Name)
		}
	}
	return nil
}

func valueTypeNames(types []api.ValueType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, api.ValueTypeName(t))
	}
	return out
}
