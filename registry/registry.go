// Package registry implements the concurrent store of translated capability
// metadata.
//
// Many readers may proceed together; registration is exclusive. A panic
// while the write lock is held poisons the instance: every later call fails
// with LockPoisoned instead of returning possibly inconsistent data.
package registry

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/metadata"
)

// Registry implements Store using in-memory maps, one per namespace.
type Registry struct {
	logger   *slog.Logger
	types    map[uuid.UUID]metadata.TypeDefinition
	nodes    map[uuid.UUID]metadata.NodeDefinition
	mu       sync.RWMutex
	poisoned atomic.Bool
}

var _ Store = (*Registry)(nil)

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report conflicts.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		types:  make(map[uuid.UUID]metadata.TypeDefinition),
		nodes:  make(map[uuid.UUID]metadata.NodeDefinition),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DuplicateError describes a registration conflict. Existing is the entry
// that was kept.
type DuplicateError struct {
	Existing metadata.Entry
	Rejected metadata.Entry
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %s already registered as %q (version %s)",
		e.Existing.Kind(), e.Existing.ID(), e.Existing.Name(), versionString(e.Existing))
}

func versionString(e metadata.Entry) string {
	if v := e.Version(); v != nil {
		return v.Original()
	}
	return "unknown"
}

// Register inserts one entry.
func (r *Registry) Register(entry metadata.Entry) error {
	return r.RegisterAll([]metadata.Entry{entry})
}

// RegisterType inserts a type definition.
func (r *Registry) RegisterType(def metadata.TypeDefinition) error {
	return r.Register(def)
}

// RegisterNode inserts a node definition.
func (r *Registry) RegisterNode(def metadata.NodeDefinition) error {
	return r.Register(def)
}

// RegisterAll inserts every entry or none. Conflicts with existing entries or
// between entries of the same batch fail the whole batch.
func (r *Registry) RegisterAll(entries []metadata.Entry) error {
	return r.write(func() error {
		pending := make(map[metadata.Kind]map[uuid.UUID]metadata.Entry, 2)
		for _, e := range entries {
			if existing, ok := r.lookup(e.Kind(), e.ID()); ok {
				return r.conflict(existing, e)
			}
			if existing, ok := pending[e.Kind()][e.ID()]; ok {
				return r.conflict(existing, e)
			}
			if pending[e.Kind()] == nil {
				pending[e.Kind()] = make(map[uuid.UUID]metadata.Entry)
			}
			pending[e.Kind()][e.ID()] = e
		}

		for _, e := range entries {
			switch def := e.(type) {
			case metadata.TypeDefinition:
				r.types[def.ID()] = def
			case metadata.NodeDefinition:
				r.nodes[def.ID()] = def
			}
			r.logger.Debug("registered definition",
				"kind", e.Kind().String(), "id", e.ID().String(), "name", e.Name())
		}
		return nil
	}, entries)
}

func (r *Registry) conflict(existing, rejected metadata.Entry) error {
	r.logger.Warn("rejecting duplicate definition",
		"kind", rejected.Kind().String(),
		"id", rejected.ID().String(),
		"kept", existing.Name(),
		"kept_version", versionString(existing),
		"rejected", rejected.Name())
	return pluginhost.NewError(pluginhost.ErrorKindDuplicateIdentifier, "register", "",
		&DuplicateError{Existing: existing, Rejected: rejected})
}

// Get returns the entry for id in kind's namespace.
func (r *Registry) Get(kind metadata.Kind, id uuid.UUID) (metadata.Entry, bool, error) {
	var (
		entry metadata.Entry
		found bool
	)
	err := r.read(func() {
		entry, found = r.lookup(kind, id)
	})
	return entry, found, err
}

// Type returns a registered type definition.
func (r *Registry) Type(id uuid.UUID) (metadata.TypeDefinition, bool, error) {
	var (
		def   metadata.TypeDefinition
		found bool
	)
	err := r.read(func() {
		def, found = r.types[id]
	})
	return def, found, err
}

// Node returns a registered node definition.
func (r *Registry) Node(id uuid.UUID) (metadata.NodeDefinition, bool, error) {
	var (
		def   metadata.NodeDefinition
		found bool
	)
	err := r.read(func() {
		def, found = r.nodes[id]
	})
	return def, found, err
}

// List returns a snapshot of kind's entries, sorted by name then identifier.
// Registrations made after List returns are not reflected.
func (r *Registry) List(kind metadata.Kind) ([]metadata.Entry, error) {
	var out []metadata.Entry
	err := r.read(func() {
		switch kind {
		case metadata.KindType:
			out = make([]metadata.Entry, 0, len(r.types))
			for _, d := range r.types {
				out = append(out, d)
			}
		case metadata.KindNode:
			out = make([]metadata.Entry, 0, len(r.nodes))
			for _, d := range r.nodes {
				out = append(out, d)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b metadata.Entry) int {
		if c := cmp.Compare(a.Name(), b.Name()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID().String(), b.ID().String())
	})
	return out, nil
}

// All iterates the snapshot taken when iteration starts. On a poisoned
// registry it yields a single nil entry with the LockPoisoned error.
func (r *Registry) All(kind metadata.Kind) iter.Seq2[metadata.Entry, error] {
	return func(yield func(metadata.Entry, error) bool) {
		entries, err := r.List(kind)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len returns the number of entries in kind's namespace.
func (r *Registry) Len(kind metadata.Kind) (int, error) {
	var n int
	err := r.read(func() {
		switch kind {
		case metadata.KindType:
			n = len(r.types)
		case metadata.KindNode:
			n = len(r.nodes)
		}
	})
	return n, err
}

// Poisoned reports whether the registry is unusable.
func (r *Registry) Poisoned() bool {
	return r.poisoned.Load()
}

func (r *Registry) lookup(kind metadata.Kind, id uuid.UUID) (metadata.Entry, bool) {
	switch kind {
	case metadata.KindType:
		d, ok := r.types[id]
		return d, ok
	case metadata.KindNode:
		d, ok := r.nodes[id]
		return d, ok
	default:
		return nil, false
	}
}

func (r *Registry) poisonedErr(op string) error {
	return pluginhost.Errorf(pluginhost.ErrorKindLockPoisoned, op, "",
		"a writer panicked while holding the registry lock")
}

// read runs fn under the read lock.
func (r *Registry) read(fn func()) error {
	if r.poisoned.Load() {
		return r.poisonedErr("read")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.poisoned.Load() {
		return r.poisonedErr("read")
	}
	fn()
	return nil
}

// write runs fn under the write lock. A panic in fn poisons the registry and
// is returned as LockPoisoned.
func (r *Registry) write(fn func() error, entries []metadata.Entry) (err error) {
	if err := validate(entries); err != nil {
		return err
	}
	if r.poisoned.Load() {
		return r.poisonedErr("write")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.poisoned.Load() {
		return r.poisonedErr("write")
	}
	defer func() {
		if p := recover(); p != nil {
			r.poisoned.Store(true)
			r.logger.Error("registry poisoned by panicking writer", "panic", fmt.Sprint(p))
			err = pluginhost.Errorf(pluginhost.ErrorKindLockPoisoned, "write", "", "writer panicked: %v", p)
		}
	}()
	return fn()
}

func validate(entries []metadata.Entry) error {
	for _, e := range entries {
		if e == nil {
			return fmt.Errorf("registry: nil entry")
		}
		switch e.(type) {
		case metadata.TypeDefinition, metadata.NodeDefinition:
		default:
			return fmt.Errorf("registry: unsupported entry type %T", e)
		}
	}
	return nil
}
