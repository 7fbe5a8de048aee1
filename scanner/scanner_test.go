package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/internal/wasmtest"
	"github.com/cognexus/plugin-host/loader"
)

// fakeClassifier classifies by file content: "types", "nodes", anything
// else is unknown.
type fakeClassifier struct{}

func (fakeClassifier) Classify(_ context.Context, wasm []byte) (abi.ModuleKind, error) {
	switch string(wasm) {
	case "types":
		return abi.KindTypes, nil
	case "nodes":
		return abi.KindNodes, nil
	default:
		return abi.KindUnknown, pluginhost.Errorf(pluginhost.ErrorKindClassificationUnknown, "classify", "", "unrecognized")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestScan_ClassifiesAndSorts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "b.wasm", "nodes")
	writeFile(t, dir, "a.wasm", "types")
	writeFile(t, dir, "c.wasm", "junk")
	writeFile(t, dir, "readme.txt", "types")
	writeFile(t, dir, "nested/d.wasm", "types")

	s := New(fakeClassifier{})
	descs, err := s.Scan(context.Background(), Root{Path: dir, Trusted: true})
	require.NoError(t, err)
	require.Len(t, descs, 3)

	assert.Equal(t, filepath.Join(dir, "a.wasm"), descs[0].Path)
	assert.Equal(t, abi.KindTypes, descs[0].Kind)
	assert.NoError(t, descs[0].Err)
	assert.True(t, descs[0].Trusted)
	assert.Equal(t, dir, descs[0].Root)

	assert.Equal(t, abi.KindNodes, descs[1].Kind)

	assert.Equal(t, abi.KindUnknown, descs[2].Kind)
	require.Error(t, descs[2].Err)
	assert.Equal(t, pluginhost.ErrorKindClassificationUnknown, pluginhost.KindOf(descs[2].Err))

	var perr *pluginhost.Error
	require.ErrorAs(t, descs[2].Err, &perr)
	assert.Equal(t, filepath.Join(dir, "c.wasm"), perr.Path)
}

func TestScan_RecursivePatternAndExcludes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.wasm", "types")
	writeFile(t, dir, "nested/b.wasm", "nodes")
	writeFile(t, dir, "nested/deeper/c.wasm", "types")
	writeFile(t, dir, "vendor/d.wasm", "types")

	s := New(fakeClassifier{}, WithPatterns(RecursivePattern), WithExcludes("vendor/**"))
	descs, err := s.Scan(context.Background(), Root{Path: dir})
	require.NoError(t, err)

	var paths []string
	for _, d := range descs {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{
		filepath.Join(dir, "a.wasm"),
		filepath.Join(dir, "nested", "b.wasm"),
		filepath.Join(dir, "nested", "deeper", "c.wasm"),
	}, paths)
}

func TestScan_MissingRootIsFatal(t *testing.T) {
	t.Parallel()

	s := New(fakeClassifier{})
	_, err := s.Scan(context.Background(), Root{Path: filepath.Join(t.TempDir(), "absent")})
	require.Error(t, err)
	assert.Equal(t, pluginhost.ErrorKindIO, pluginhost.KindOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScan_EmptyRoot(t *testing.T) {
	t.Parallel()

	s := New(fakeClassifier{})
	descs, err := s.Scan(context.Background(), Root{Path: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, descs)
}

func TestScan_SizeLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "big.wasm", "types-but-too-long")

	s := New(fakeClassifier{}, WithMaxModuleSize(4))
	descs, err := s.Scan(context.Background(), Root{Path: dir})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, abi.KindUnknown, descs[0].Kind)
	assert.Equal(t, pluginhost.ErrorKindIO, pluginhost.KindOf(descs[0].Err))
	assert.EqualValues(t, len("types-but-too-long"), descs[0].Size)
}

func TestScan_SymlinkOutsideRoot(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	target := writeFile(t, outside, "escape.wasm", "types")

	dir := t.TempDir()
	inside := writeFile(t, dir, "inside.wasm", "types")
	if err := os.Symlink(target, filepath.Join(dir, "escape.wasm")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.Symlink(inside, filepath.Join(dir, "alias.wasm")))

	s := New(fakeClassifier{})
	descs, err := s.Scan(context.Background(), Root{Path: dir})
	require.NoError(t, err)
	require.Len(t, descs, 3)

	byName := map[string]ModuleDescriptor{}
	for _, d := range descs {
		byName[filepath.Base(d.Path)] = d
	}
	assert.Equal(t, abi.KindTypes, byName["alias.wasm"].Kind)
	assert.Equal(t, abi.KindTypes, byName["inside.wasm"].Kind)
	assert.Equal(t, abi.KindUnknown, byName["escape.wasm"].Kind)
	assert.Equal(t, pluginhost.ErrorKindIO, pluginhost.KindOf(byName["escape.wasm"].Err))
	assert.Contains(t, byName["escape.wasm"].Err.Error(), "outside root")
}

func TestScan_Cancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.wasm", "types")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(fakeClassifier{})
	_, err := s.Scan(ctx, Root{Path: dir})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScanAll_SkipsEmptyRoots(t *testing.T) {
	t.Parallel()

	builtin := t.TempDir()
	plugins := t.TempDir()
	writeFile(t, builtin, "a.wasm", "types")
	writeFile(t, plugins, "b.wasm", "nodes")

	s := New(fakeClassifier{})
	descs, err := s.ScanAll(context.Background(),
		Root{Path: builtin, Trusted: true},
		Root{},
		Root{Path: plugins},
	)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.True(t, descs[0].Trusted)
	assert.False(t, descs[1].Trusted)
}

func TestScan_WithLoaderClassifier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, err := loader.New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(ctx) })

	dir := t.TempDir()
	writeFile(t, dir, "types.wasm", string(wasmtest.TypesModule("[]")))
	writeFile(t, dir, "nodes.wasm", string(wasmtest.NodesModule("[]")))
	writeFile(t, dir, "near.wasm", string(wasmtest.Discovery("cognexus:plugin/types-pluginX#list-types", []byte("[]"))))
	writeFile(t, dir, "junk.wasm", string(wasmtest.Garbage()))

	descs, err := New(l).Scan(ctx, Root{Path: dir})
	require.NoError(t, err)
	require.Len(t, descs, 4)

	kinds := map[string]abi.ModuleKind{}
	errKinds := map[string]pluginhost.ErrorKind{}
	for _, d := range descs {
		kinds[filepath.Base(d.Path)] = d.Kind
		errKinds[filepath.Base(d.Path)] = pluginhost.KindOf(d.Err)
	}
	assert.Equal(t, abi.KindTypes, kinds["types.wasm"])
	assert.Equal(t, abi.KindNodes, kinds["nodes.wasm"])
	assert.Equal(t, abi.KindUnknown, kinds["near.wasm"])
	assert.Equal(t, pluginhost.ErrorKindClassificationUnknown, errKinds["near.wasm"])
	assert.Equal(t, abi.KindUnknown, kinds["junk.wasm"])
	assert.Equal(t, pluginhost.ErrorKindLoad, errKinds["junk.wasm"])
}

func TestWithPatterns_DropsInvalid(t *testing.T) {
	t.Parallel()

	s := New(fakeClassifier{}, WithPatterns("[", "*.component.wasm"))
	assert.Equal(t, []string{"*.component.wasm"}, s.patterns)

	s = New(fakeClassifier{}, WithPatterns("["))
	assert.Equal(t, []string{DefaultPattern}, s.patterns)
}
