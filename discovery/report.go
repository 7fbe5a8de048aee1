package discovery

import (
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
	"github.com/cognexus/plugin-host/scanner"
)

// Success records a module whose definitions were all registered.
type Success struct {
	Path string         `json:"path" yaml:"path"`
	IDs  []uuid.UUID    `json:"ids" yaml:"ids"`
	Kind abi.ModuleKind `json:"kind" yaml:"kind"`
}

// Failure records a module that contributed nothing to the registry.
type Failure struct {
	Err    error                `json:"-" yaml:"-"`
	Path   string               `json:"path" yaml:"path"`
	Kind   pluginhost.ErrorKind `json:"kind" yaml:"kind"`
	Detail string               `json:"detail" yaml:"detail"`
}

// Report is the outcome of a discovery run. Every scanned path appears in
// exactly one of its lists.
type Report struct {
	Succeeded []Success                  `json:"succeeded" yaml:"succeeded"`
	Failed    []Failure                  `json:"failed" yaml:"failed"`
	Deferred  []scanner.ModuleDescriptor `json:"-" yaml:"-"`
}

// Len returns the number of modules accounted for.
func (r *Report) Len() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Deferred)
}

// OK reports whether no module failed.
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// DeferredPaths lists the deferred module paths.
func (r *Report) DeferredPaths() []string {
	out := make([]string, 0, len(r.Deferred))
	for _, d := range r.Deferred {
		out = append(out, d.Path)
	}
	return out
}

func (r *Report) succeed(s Success) {
	r.Succeeded = append(r.Succeeded, s)
}

func (r *Report) fail(path string, err error) {
	r.Failed = append(r.Failed, newFailure(path, err))
}

func (r *Report) merge(other *Report) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Deferred = append(r.Deferred, other.Deferred...)
}

func (r *Report) sort() {
	slices.SortFunc(r.Succeeded, func(a, b Success) int { return strings.Compare(a.Path, b.Path) })
	slices.SortFunc(r.Failed, func(a, b Failure) int { return strings.Compare(a.Path, b.Path) })
	slices.SortFunc(r.Deferred, func(a, b scanner.ModuleDescriptor) int { return strings.Compare(a.Path, b.Path) })
}

func (r *Report) clone() *Report {
	return &Report{
		Succeeded: slices.Clone(r.Succeeded),
		Failed:    slices.Clone(r.Failed),
		Deferred:  slices.Clone(r.Deferred),
	}
}

func newFailure(path string, err error) Failure {
	f := Failure{Path: path, Err: err, Kind: pluginhost.KindOf(err), Detail: err.Error()}
	var perr *pluginhost.Error
	if errors.As(err, &perr) {
		f.Detail = perr.Detail()
	}
	if f.Kind == "" {
		f.Kind = pluginhost.ErrorKindLoad
	}
	return f
}
