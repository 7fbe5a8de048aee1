package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cognexus/plugin-host/config"
	"github.com/cognexus/plugin-host/discovery"
	"github.com/cognexus/plugin-host/metadata"
	"github.com/cognexus/plugin-host/registry"
	"github.com/cognexus/plugin-host/scanner"
	"github.com/cognexus/plugin-host/trust"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var loadDeferred bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover every module under the builtin and plugins directories",
		Long: `discover scans the builtin directory (trusted, always loaded) and the plugins
directory (untrusted, loaded lazily unless --lazy=false), registers every
declared data type and node, and prints the discovery report.

Exits 1 if any module failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDiscover(cmd, loadDeferred)
		},
	}

	flags := cmd.Flags()
	flags.String("builtin", "", "directory of bundled modules")
	flags.String("plugins", "", "directory of user-installed modules")
	flags.Bool("lazy", true, "defer loading plugin modules until they are needed")
	flags.Int("workers", 0, "number of modules loaded concurrently")
	flags.String("trust-level", "", "plugin trust level: strict, standard or permissive")
	flags.BoolVar(&loadDeferred, "load-deferred", false, "load deferred plugin modules before printing")

	_ = a.v.BindPFlag("discovery.builtin_dir", flags.Lookup("builtin"))
	_ = a.v.BindPFlag("discovery.plugins_dir", flags.Lookup("plugins"))
	_ = a.v.BindPFlag("discovery.lazy_plugins", flags.Lookup("lazy"))
	_ = a.v.BindPFlag("discovery.workers", flags.Lookup("workers"))
	_ = a.v.BindPFlag("trust.level", flags.Lookup("trust-level"))
	return cmd
}

func (a *app) runDiscover(cmd *cobra.Command, loadDeferred bool) error {
	f, err := parseFormat(a.output)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := a.cfg
	if cfg.Discovery.BuiltinDir == "" && cfg.Discovery.PluginsDir == "" {
		return &ExitError{Code: exitUsage, Err: errNoRoots}
	}

	l, cleanup, err := a.newLoader(ctx)
	if err != nil {
		return failure(err)
	}
	defer cleanup()

	s := scanner.New(l,
		scanner.WithPatterns(cfg.Discovery.Patterns...),
		scanner.WithExcludes(cfg.Discovery.Excludes...),
		scanner.WithMaxModuleSize(cfg.Loader.MaxModuleSize),
		scanner.WithLogger(a.logger),
	)
	reg := registry.New(registry.WithLogger(a.logger))

	gate, err := a.newGatekeeper(cfg.Trust)
	if err != nil {
		return err
	}

	o := discovery.New(s, l, reg, a.orchestratorOptions(gate)...)

	roots := discovery.Roots{Builtin: cfg.Discovery.BuiltinDir, Plugins: cfg.Discovery.PluginsDir}
	report, runErr := o.Discover(ctx, roots)
	if runErr == nil && loadDeferred {
		batch, err := o.LoadDeferred(ctx)
		report.Succeeded = append(report.Succeeded, batch.Succeeded...)
		report.Failed = append(report.Failed, batch.Failed...)
		report.Deferred = o.Pending()
		runErr = err
	}

	types, err := reg.List(metadata.KindType)
	if err != nil {
		return failure(err)
	}
	nodes, err := reg.List(metadata.KindNode)
	if err != nil {
		return failure(err)
	}

	out := discoverOutput{
		Report:   report,
		Deferred: report.DeferredPaths(),
		Types:    summarize(types),
		Nodes:    summarize(nodes),
	}
	if err := writeDiscoverReport(a.stdout, f, out); err != nil {
		return failure(err)
	}

	switch {
	case runErr != nil:
		return failure(runErr)
	case !report.OK():
		return failure(fmt.Errorf("%d module(s) failed", len(report.Failed)))
	default:
		return nil
	}
}

func (a *app) newGatekeeper(cfg config.TrustConfig) (*trust.Gatekeeper, error) {
	level, err := trust.ParseSecurityLevel(cfg.Level)
	if err != nil {
		return nil, usageError("%w", err)
	}

	var storeOpts []trust.FileStoreOption
	if cfg.GrantsFile != "" {
		storeOpts = append(storeOpts, trust.WithPath(cfg.GrantsFile))
	}
	return trust.NewGatekeeper(
		trust.WithStore(trust.NewFileStore(storeOpts...)),
		trust.WithPrompter(trust.NewTerminalPrompter()),
		trust.WithSecurityLevel(level),
		trust.WithLogger(a.logger),
	), nil
}

func (a *app) orchestratorOptions(gate discovery.TrustGate) []discovery.Option {
	cfg := a.cfg
	opts := []discovery.Option{
		discovery.WithWorkers(cfg.Discovery.Workers),
		discovery.WithTrustGate(gate),
		discovery.WithLogger(a.logger),
	}
	if cfg.Discovery.LazyPlugins {
		opts = append(opts, discovery.WithPluginLoading(discovery.Lazy))
	}
	if cfg.Breaker.Enabled {
		opts = append(opts, discovery.WithBreaker(cfg.Breaker.ConsecutiveFailures, cfg.Breaker.Timeout))
	} else {
		opts = append(opts, discovery.WithBreaker(0, 0))
	}
	return opts
}

// errNoRoots is returned when neither root is configured.
var errNoRoots = errors.New("no builtin or plugins directory configured")
