// Package discovery runs the scan, load, translate and register pipeline
// over the builtin and plugin roots.
//
// Failures are isolated per module: a module either registers all of its
// definitions or appears in the report's Failed list. Only an unreadable
// root directory or a poisoned registry aborts a run.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/metadata"
	"github.com/cognexus/plugin-host/registry"
	"github.com/cognexus/plugin-host/scanner"
	"github.com/cognexus/plugin-host/translator"
	"github.com/cognexus/plugin-host/trust"
)

// ErrNotFound is returned by Lookup when no loaded or pending module
// provides the identifier.
var ErrNotFound = errors.New("definition not found")

// Scanner enumerates and classifies candidate modules.
type Scanner interface {
	ScanAll(ctx context.Context, roots ...scanner.Root) ([]scanner.ModuleDescriptor, error)
}

// Loader reads modules and invokes their discovery export.
type Loader interface {
	ReadModule(path string) ([]byte, error)
	DiscoverBytes(ctx context.Context, path string, world abi.World, wasm []byte) (abi.Records, error)
}

// TrustGate authorizes untrusted modules.
type TrustGate interface {
	Authorize(ctx context.Context, req trust.Request) error
}

// Roots names the directories to scan. An empty path is skipped.
type Roots struct {
	Builtin string
	Plugins string
}

// Orchestrator drives discovery and serves lazily loaded plugins.
type Orchestrator struct {
	scanner  Scanner
	loader   Loader
	registry registry.Store
	gate     TrustGate
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	// pending holds lazily deferred plugin descriptors not yet loaded.
	pending []scanner.ModuleDescriptor
	// queued holds every path ever deferred, loaded or not.
	queued map[string]struct{}
	lazy   Report
	mu      sync.Mutex
	// lazyMu serializes Lookup and LoadDeferred.
	lazyMu sync.Mutex

	workers         int
	loading         PluginLoading
	breakerFailures uint32
	breakerTimeout  time.Duration
}

// New creates an orchestrator. Every collaborator is required.
func New(s Scanner, l Loader, reg registry.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scanner:         s,
		loader:          l,
		registry:        reg,
		logger:          slog.Default(),
		queued:          make(map[string]struct{}),
		workers:         runtime.NumCPU(),
		loading:         Eager,
		breakerTimeout:  DefaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakerFailures > 0 {
		o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "plugins",
			Timeout: o.breakerTimeout,
			// Every worker may probe a half-open breaker at once.
			MaxRequests: uint32(o.workers),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= o.breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				o.logger.Warn("plugin circuit breaker changed state",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return o
}

// Discover scans roots and loads every module found. Builtin modules are
// trusted and always loaded eagerly; plugin modules follow the configured
// PluginLoading mode.
//
// Discover is meant to run once per orchestrator. Repeating it reports
// deferred plugins again but never queues a path a second time.
//
// The returned report is never nil. A non-nil error means the run was
// aborted: an unreadable root, a poisoned registry or cancellation. Modules
// not started before the abort are absent from the report.
func (o *Orchestrator) Discover(ctx context.Context, roots Roots) (*Report, error) {
	start := time.Now()
	report := &Report{}

	descs, err := o.scanner.ScanAll(ctx,
		scanner.Root{Path: roots.Builtin, Trusted: true},
		scanner.Root{Path: roots.Plugins, Trusted: false},
	)
	if err != nil {
		return report, fmt.Errorf("discovery aborted: %w", err)
	}

	var eager []scanner.ModuleDescriptor
	for _, d := range descs {
		switch {
		case d.Err != nil || d.Kind == abi.KindUnknown:
			report.fail(d.Path, unclassified(d))
		case !d.Trusted && o.loading == Lazy:
			report.Deferred = append(report.Deferred, d)
		default:
			eager = append(eager, d)
		}
	}

	o.enqueue(report.Deferred)

	runErr := o.run(ctx, eager, report)
	report.sort()

	o.logger.InfoContext(ctx, "discovery complete",
		"builtin", roots.Builtin,
		"plugins", roots.Plugins,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"deferred", len(report.Deferred),
		"elapsed", time.Since(start))
	return report, runErr
}

// Lookup returns the definition registered under id, loading pending plugin
// modules of the matching kind one at a time until it appears. Each pending
// module is loaded at most once.
func (o *Orchestrator) Lookup(ctx context.Context, kind metadata.Kind, id uuid.UUID) (metadata.Entry, error) {
	if entry, ok, err := o.registry.Get(kind, id); err != nil || ok {
		return entry, err
	}

	o.lazyMu.Lock()
	defer o.lazyMu.Unlock()

	for {
		// A concurrent Lookup may have loaded it while we waited.
		if entry, ok, err := o.registry.Get(kind, id); err != nil || ok {
			return entry, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		desc, ok := o.takePending(moduleKind(kind))
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}

		r := &Report{}
		fatal := o.process(ctx, desc, r)
		o.recordLazy(r)
		if fatal != nil {
			return nil, fatal
		}
	}
}

// LoadDeferred loads every pending plugin module and returns the outcome of
// this batch.
func (o *Orchestrator) LoadDeferred(ctx context.Context) (*Report, error) {
	o.lazyMu.Lock()
	defer o.lazyMu.Unlock()

	o.mu.Lock()
	descs := o.pending
	o.pending = nil
	o.mu.Unlock()

	report := &Report{}
	err := o.run(ctx, descs, report)
	report.sort()
	o.recordLazy(report)

	// Modules not started because of an abort stay pending.
	if err != nil {
		o.requeue(descs, report)
	}
	return report, err
}

// Pending returns the plugin modules deferred and not yet loaded.
func (o *Orchestrator) Pending() []scanner.ModuleDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.pending)
}

// LazyResults returns the accumulated outcome of every lazy load so far.
func (o *Orchestrator) LazyResults() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.lazy.clone()
	r.sort()
	return r
}

// run processes descs on the worker pool, recording outcomes in report.
func (o *Orchestrator) run(ctx context.Context, descs []scanner.ModuleDescriptor, report *Report) error {
	if len(descs) == 0 {
		return ctx.Err()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, d := range descs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation is honored between modules only.
			if gctx.Err() != nil {
				return nil
			}
			r := &Report{}
			fatal := o.process(gctx, d, r)
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return fatal
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("discovery aborted: %w", err)
	}
	return ctx.Err()
}

// process runs one module through load, translate and register. Outcomes
// are recorded in r; only fatal errors are returned.
func (o *Orchestrator) process(ctx context.Context, d scanner.ModuleDescriptor, r *Report) error {
	logger := o.logger.With("path", d.Path, "kind", d.Kind.String(), "trusted", d.Trusted)
	logger.DebugContext(ctx, "loading module")

	recs, err := o.load(ctx, d)
	if err != nil {
		logger.WarnContext(ctx, "module failed to load", "error", err)
		r.fail(d.Path, err)
		return nil
	}

	entries, err := translator.Records(recs)
	if err != nil {
		err = pluginhost.WithPath(err, pluginhost.ErrorKindTranslation, "translate", d.Path)
		logger.WarnContext(ctx, "module metadata rejected", "error", err)
		r.fail(d.Path, err)
		return nil
	}

	if err := o.registry.RegisterAll(entries); err != nil {
		err = pluginhost.WithPath(err, pluginhost.ErrorKindDuplicateIdentifier, "register", d.Path)
		if pluginhost.IsFatal(err) {
			logger.ErrorContext(ctx, "registry unusable", "error", err)
			r.fail(d.Path, err)
			return err
		}
		logger.WarnContext(ctx, "module definitions not registered", "error", err)
		r.fail(d.Path, err)
		return nil
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID())
	}
	r.succeed(Success{Path: d.Path, Kind: d.Kind, IDs: ids})
	logger.InfoContext(ctx, "module registered", "definitions", len(ids))
	return nil
}

// load reads, authorizes and invokes one module.
func (o *Orchestrator) load(ctx context.Context, d scanner.ModuleDescriptor) (abi.Records, error) {
	world, ok := abi.WorldFor(d.Kind)
	if !ok {
		return abi.Records{}, unclassified(d)
	}

	wasm, err := o.loader.ReadModule(d.Path)
	if err != nil {
		return abi.Records{}, err
	}

	if !d.Trusted && o.gate != nil {
		req := trust.Request{Path: d.Path, Digest: trust.SHA256(wasm), Size: int64(len(wasm))}
		if err := o.gate.Authorize(ctx, req); err != nil {
			return abi.Records{}, pluginhost.NewError(pluginhost.ErrorKindLoad, "authorize", d.Path, err)
		}
	}

	invoke := func() (abi.Records, error) {
		return o.loader.DiscoverBytes(ctx, d.Path, world, wasm)
	}
	if d.Trusted || o.breaker == nil {
		return invoke()
	}

	out, err := o.breaker.Execute(func() (any, error) {
		return invoke()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return abi.Records{}, pluginhost.Errorf(pluginhost.ErrorKindLoad, "load", d.Path,
			"skipped after repeated plugin failures: %w", err)
	}
	if err != nil {
		return abi.Records{}, err
	}
	return out.(abi.Records), nil
}

// enqueue queues descs for lazy loading, skipping paths queued before.
func (o *Orchestrator) enqueue(descs []scanner.ModuleDescriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range descs {
		if _, ok := o.queued[d.Path]; ok {
			continue
		}
		o.queued[d.Path] = struct{}{}
		o.pending = append(o.pending, d)
	}
}

func (o *Orchestrator) takePending(kind abi.ModuleKind) (scanner.ModuleDescriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := slices.IndexFunc(o.pending, func(d scanner.ModuleDescriptor) bool { return d.Kind == kind })
	if i < 0 {
		return scanner.ModuleDescriptor{}, false
	}
	d := o.pending[i]
	o.pending = slices.Delete(o.pending, i, i+1)
	return d, true
}

func (o *Orchestrator) recordLazy(r *Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lazy.Succeeded = append(o.lazy.Succeeded, r.Succeeded...)
	o.lazy.Failed = append(o.lazy.Failed, r.Failed...)
}

// requeue returns descriptors that have no outcome in r to the pending set.
func (o *Orchestrator) requeue(descs []scanner.ModuleDescriptor, r *Report) {
	done := make(map[string]struct{}, r.Len())
	for _, s := range r.Succeeded {
		done[s.Path] = struct{}{}
	}
	for _, f := range r.Failed {
		done[f.Path] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range descs {
		if _, ok := done[d.Path]; !ok {
			o.pending = append(o.pending, d)
		}
	}
}

func unclassified(d scanner.ModuleDescriptor) error {
	if d.Err != nil {
		return d.Err
	}
	return pluginhost.Errorf(pluginhost.ErrorKindClassificationUnknown, "classify", d.Path,
		"module implements neither %s nor %s", abi.TypesInterface, abi.NodesInterface)
}

func moduleKind(kind metadata.Kind) abi.ModuleKind {
	switch kind {
	case metadata.KindType:
		return abi.KindTypes
	case metadata.KindNode:
		return abi.KindNodes
	default:
		return abi.KindUnknown
	}
}
