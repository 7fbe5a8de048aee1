package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tetratelabs/wazero"

	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/config"
	"github.com/cognexus/plugin-host/loader"
)

// app carries state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger

	cfgFile string
	output  string
	kind    string
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, v: viper.New()}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cognexus-inspect <module-path>",
		Short: "Inspect Cognexus capability modules",
		Long: `cognexus-inspect loads a capability module and prints the data types or
nodes it declares. The discover subcommand runs the full discovery pipeline
over a builtin and a plugins directory.

Configuration is read from cognexus.yaml in the current directory or
~/.cognexus, and from COGNEXUS_* environment variables.`,
		Example: `  cognexus-inspect builtin/core_types.wasm
  cognexus-inspect builtin/core_nodes.wasm --kind nodes --output json
  cognexus-inspect discover --builtin ./builtin --plugins ./plugins`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError("expected exactly one module path, got %d", len(args))
			}
			return nil
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE:              a.runInspect,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./cognexus.yaml or ~/.cognexus/cognexus.yaml)")
	flags.StringVarP(&a.output, "output", "o", "text", "output format: text, json or yaml")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", flags.Lookup("log-format"))

	cmd.Flags().StringVarP(&a.kind, "kind", "k", "types", "kind of module: types or nodes")

	cmd.AddCommand(newDiscoverCmd(a), newSchemaCmd(a))
	return cmd
}

// setup loads configuration and installs the logger.
func (a *app) setup(*cobra.Command, []string) error {
	if _, err := parseFormat(a.output); err != nil {
		return err
	}

	cfg, err := config.Load(config.LoadOptions{Viper: a.v, ConfigFile: a.cfgFile})
	if err != nil {
		return failure(err)
	}
	a.cfg = cfg

	logger, err := newLogger(a.stderr, cfg.Log)
	if err != nil {
		return usageError("%w", err)
	}
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// newLoader builds a loader from the loaded configuration. The returned
// cleanup releases the loader and any on-disk compilation cache.
func (a *app) newLoader(ctx context.Context) (*loader.Loader, func(), error) {
	opts := []loader.Option{
		loader.WithLogger(a.logger),
		loader.WithTimeout(a.cfg.Loader.Timeout),
		loader.WithMaxModuleSize(a.cfg.Loader.MaxModuleSize),
		loader.WithMaxPayloadSize(a.cfg.Loader.MaxPayloadSize),
		loader.WithMemoryLimitPages(a.cfg.Loader.MemoryLimitPages),
	}

	var cache wazero.CompilationCache
	if dir := a.cfg.Loader.CacheDir; dir != "" {
		c, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open compilation cache %s: %w", dir, err)
		}
		cache = c
		opts = append(opts, loader.WithCompilationCache(c))
	}

	l, err := loader.New(ctx, opts...)
	if err != nil {
		if cache != nil {
			_ = cache.Close(ctx)
		}
		return nil, nil, err
	}

	cleanup := func() {
		if err := l.Close(ctx); err != nil {
			a.logger.Warn("failed to close loader", "error", err)
		}
		if cache != nil {
			_ = cache.Close(ctx)
		}
	}
	return l, cleanup, nil
}

func parseKind(s string) (abi.ModuleKind, error) {
	kind := abi.ParseModuleKind(s)
	if kind == abi.KindUnknown {
		return kind, usageError("unknown module kind %q: use 'types' or 'nodes'", s)
	}
	return kind, nil
}
