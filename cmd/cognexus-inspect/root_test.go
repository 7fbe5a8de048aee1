package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/internal/wasmtest"
)

const (
	signalID = "989bcbb2-b1a1-4f3f-be15-22ada278aedc"
	startID  = "40ebe0be-d2db-4eed-80f3-91267352ee42"
)

func signalModule() []byte {
	return wasmtest.TypesModule(wasmtest.TypeJSON(abi.TypeInfo{
		ID: signalID, Name: "Signal", Description: "Control flow signal", Version: "0.1.0",
	}))
}

func startModule() []byte {
	return wasmtest.NodesModule(wasmtest.NodeJSON(abi.NodeInfo{
		ID:          startID,
		Name:        "Start",
		Description: "Entry point",
		Version:     "0.1.0",
		OutputPorts: []abi.PortSpec{{Name: "out", DataTypeID: signalID, Direction: abi.DirectionOutput}},
	}))
}

type result struct {
	stdout string
	stderr string
	code   int
}

// run executes the CLI against an isolated config file.
func run(t *testing.T, args ...string) result {
	t.Helper()
	return runWithConfig(t, "log:\n  level: error\n", args...)
}

func runWithConfig(t *testing.T, config string, args ...string) result {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "cognexus.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(config), 0o600))

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), append(args, "--config", cfg), &stdout, &stderr)
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func writeModule(t *testing.T, dir, name string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, wasm, 0o600))
	return path
}

func TestInspect_TypesText(t *testing.T) {
	t.Parallel()

	path := writeModule(t, t.TempDir(), "types.wasm", signalModule())
	res := run(t, path)

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Loading module: "+path)
	assert.Contains(t, res.stdout, "Found 1 data type(s):")
	assert.Contains(t, res.stdout, "  - Signal ("+signalID+")")
	assert.Contains(t, res.stdout, "    Description: Control flow signal")
	assert.Contains(t, res.stdout, "    Version: 0.1.0")
}

func TestInspect_NodesText(t *testing.T) {
	t.Parallel()

	path := writeModule(t, t.TempDir(), "nodes.wasm", startModule())
	res := run(t, path, "--kind", "nodes")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Found 1 node(s):")
	assert.Contains(t, res.stdout, "  - Start ("+startID+")")
	assert.Contains(t, res.stdout, "    Input ports: 0")
	assert.Contains(t, res.stdout, "    Output ports: 1")
}

func TestInspect_JSON(t *testing.T) {
	t.Parallel()

	path := writeModule(t, t.TempDir(), "nodes.wasm", startModule())
	res := run(t, path, "--kind", "nodes", "--output", "json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var got struct {
		Path        string `json:"path"`
		Kind        string `json:"kind"`
		Definitions []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Version     string `json:"version"`
			OutputPorts []struct {
				DataTypeID string `json:"data_type_id"`
				Direction  string `json:"direction"`
			} `json:"output_ports"`
		} `json:"definitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Equal(t, path, got.Path)
	assert.Equal(t, "nodes", got.Kind)
	require.Len(t, got.Definitions, 1)
	assert.Equal(t, startID, got.Definitions[0].ID)
	require.Len(t, got.Definitions[0].OutputPorts, 1)
	assert.Equal(t, signalID, got.Definitions[0].OutputPorts[0].DataTypeID)
	assert.Equal(t, "output", got.Definitions[0].OutputPorts[0].Direction)
}

func TestInspect_YAML(t *testing.T) {
	t.Parallel()

	path := writeModule(t, t.TempDir(), "types.wasm", signalModule())
	res := run(t, path, "-o", "yaml")

	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "kind: types")
	assert.Contains(t, res.stdout, "name: Signal")
	assert.Contains(t, res.stdout, "0.1.0")
}

func TestInspect_Failures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeModule(t, dir, "types.wasm", signalModule())
	trap := writeModule(t, dir, "trap.wasm", wasmtest.TrappingModule(abi.TypesWorld.ExportName()))
	badID := writeModule(t, dir, "bad.wasm", wasmtest.TypesModule(wasmtest.TypeJSON(abi.TypeInfo{
		ID: "nope", Name: "Broken", Version: "1.0.0",
	})))

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{name: "missing file", args: []string{filepath.Join(dir, "absent.wasm")}, code: exitFailure, want: "IoError"},
		{name: "trap", args: []string{trap}, code: exitFailure, want: "InvocationError"},
		{name: "translation", args: []string{badID}, code: exitFailure, want: "TranslationError"},
		{name: "wrong world", args: []string{good, "--kind", "nodes"}, code: exitFailure, want: "LoadError"},
		{name: "unknown kind", args: []string{good, "--kind", "widgets"}, code: exitUsage, want: "unknown module kind"},
		{name: "unknown output", args: []string{good, "--output", "xml"}, code: exitUsage, want: "unknown output format"},
		{name: "no path", args: nil, code: exitUsage, want: "expected exactly one module path"},
		{name: "two paths", args: []string{good, good}, code: exitUsage, want: "expected exactly one module path"},
		{name: "unknown flag", args: []string{good, "--frobnicate"}, code: exitUsage, want: "unknown flag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := run(t, tt.args...)
			assert.Equal(t, tt.code, res.code)
			assert.Contains(t, res.stderr, tt.want)
		})
	}
}

func TestSchema(t *testing.T) {
	t.Parallel()

	res := run(t, "schema", "--kind", "nodes")
	require.Equal(t, exitOK, res.code, res.stderr)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &schema))
	assert.Equal(t, "array", schema["type"])
	assert.Contains(t, res.stdout, "input_ports")
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	builtin := t.TempDir()
	plugins := t.TempDir()
	writeModule(t, builtin, "types.wasm", signalModule())
	writeModule(t, plugins, "start.wasm", startModule())

	res := run(t, "discover", "--builtin", builtin, "--plugins", plugins,
		"--lazy=false", "--trust-level", "permissive", "--output", "json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var got struct {
		Report struct {
			Succeeded []struct {
				Path string   `json:"path"`
				IDs  []string `json:"ids"`
			} `json:"succeeded"`
			Failed []any `json:"failed"`
		} `json:"report"`
		Types []struct{ Name string } `json:"types"`
		Nodes []struct{ Name string } `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Len(t, got.Report.Succeeded, 2)
	assert.Empty(t, got.Report.Failed)
	require.Len(t, got.Types, 1)
	assert.Equal(t, "Signal", got.Types[0].Name)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "Start", got.Nodes[0].Name)
}

func TestDiscover_LazyAndFailures(t *testing.T) {
	t.Parallel()

	builtin := t.TempDir()
	plugins := t.TempDir()
	writeModule(t, builtin, "types.wasm", signalModule())
	writeModule(t, builtin, "junk.wasm", wasmtest.Garbage())
	writeModule(t, plugins, "start.wasm", startModule())

	res := run(t, "discover", "--builtin", builtin, "--plugins", plugins)
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "1 succeeded, 1 failed, 1 deferred")
	assert.Contains(t, res.stdout, filepath.Join(builtin, "junk.wasm"))
	assert.Contains(t, res.stdout, "LoadError")
	assert.Contains(t, res.stdout, filepath.Join(plugins, "start.wasm"))
	assert.Contains(t, res.stderr, "1 module(s) failed")
}

func TestDiscover_LoadDeferred(t *testing.T) {
	t.Parallel()

	builtin := t.TempDir()
	plugins := t.TempDir()
	writeModule(t, builtin, "types.wasm", signalModule())
	writeModule(t, plugins, "start.wasm", startModule())

	res := run(t, "discover", "--builtin", builtin, "--plugins", plugins, "--load-deferred")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "2 succeeded, 0 failed, 0 deferred")
	assert.Contains(t, res.stdout, "Found 1 node(s):")
}

func TestDiscover_StrictDeniesPlugins(t *testing.T) {
	t.Parallel()

	plugins := t.TempDir()
	writeModule(t, plugins, "start.wasm", startModule())
	grants := filepath.Join(t.TempDir(), "grants.yaml")

	res := runWithConfig(t, "log:\n  level: error\ntrust:\n  grants_file: "+grants+"\n", "discover", "--builtin", t.TempDir(), "--plugins", plugins,
		"--lazy=false", "--trust-level", "strict")
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "not trusted")
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(failure(assert.AnError)))
	assert.Equal(t, exitUsage, exitCode(usageError("bad")))
	assert.Equal(t, exitUsage, exitCode(assert.AnError))
}
