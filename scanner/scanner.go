// Package scanner enumerates candidate module files under a root directory
// and classifies each one by the discovery interface it exports.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
)

// Classifier derives a module's kind from its binary without running it.
type Classifier interface {
	Classify(ctx context.Context, wasm []byte) (abi.ModuleKind, error)
}

// Root is a directory scanned for modules. Builtin roots are trusted,
// plugin roots are not.
type Root struct {
	Path    string
	Trusted bool
}

// ModuleDescriptor is one candidate file found by a scan.
// Err explains why Kind is abi.KindUnknown; it is nil otherwise.
type ModuleDescriptor struct {
	Err     error
	Path    string
	Root    string
	Size    int64
	Kind    abi.ModuleKind
	Trusted bool
}

// Scanner walks roots and classifies the files matching its patterns.
type Scanner struct {
	classifier    Classifier
	logger        *slog.Logger
	patterns      []string
	excludes      []string
	maxModuleSize int64
}

// New creates a scanner that classifies files with classifier.
func New(classifier Classifier, opts ...Option) *Scanner {
	s := &Scanner{
		classifier:    classifier,
		logger:        slog.Default(),
		patterns:      []string{DefaultPattern},
		maxModuleSize: DefaultMaxModuleSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanAll scans each root in order. Roots with an empty path are skipped.
// The first fatal error stops the scan; descriptors gathered so far are
// returned with it.
func (s *Scanner) ScanAll(ctx context.Context, roots ...Root) ([]ModuleDescriptor, error) {
	var all []ModuleDescriptor
	for _, root := range roots {
		if root.Path == "" {
			continue
		}
		descs, err := s.Scan(ctx, root)
		all = append(all, descs...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// Scan enumerates and classifies the candidate files under root, sorted by
// path. Failing to read the root itself is the only error returned;
// problems with individual files are recorded on their descriptors.
func (s *Scanner) Scan(ctx context.Context, root Root) ([]ModuleDescriptor, error) {
	if _, err := os.ReadDir(root.Path); err != nil {
		return nil, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", root.Path, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root.Path)
	if err != nil {
		return nil, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", root.Path, err)
	}

	var descs []ModuleDescriptor
	recursive := s.recursive()
	// The trailing separator makes WalkDir follow a symlinked root.
	walkRoot := filepath.Clean(root.Path)
	if !strings.HasSuffix(walkRoot, string(os.PathSeparator)) {
		walkRoot += string(os.PathSeparator)
	}

	walkErr := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == walkRoot {
				return err
			}
			descs = append(descs, s.failed(root, path, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", path, err)))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == walkRoot {
			return nil
		}

		rel, err := filepath.Rel(root.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if !recursive || s.excluded(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !s.matches(rel) || s.excluded(rel) {
			return nil
		}

		descs = append(descs, s.describe(ctx, root, resolvedRoot, path, d))
		return nil
	})
	if walkErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sortDescriptors(descs), ctxErr
		}
		return sortDescriptors(descs), pluginhost.NewError(pluginhost.ErrorKindIO, "scan", root.Path, walkErr)
	}

	descs = sortDescriptors(descs)
	s.logger.DebugContext(ctx, "root scanned", "root", root.Path, "trusted", root.Trusted, "candidates", len(descs))
	return descs, nil
}

// describe stats and classifies one matching file.
func (s *Scanner) describe(ctx context.Context, root Root, resolvedRoot, path string, d fs.DirEntry) ModuleDescriptor {
	if d.Type()&fs.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			return s.failed(root, path, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", path, err))
		}
		if !within(resolvedRoot, target) {
			return s.failed(root, path, pluginhost.Errorf(pluginhost.ErrorKindIO, "scan", path,
				"symlink resolves to %s outside root %s", target, root.Path))
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return s.failed(root, path, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", path, err))
	}
	if !info.Mode().IsRegular() {
		return s.failed(root, path, pluginhost.Errorf(pluginhost.ErrorKindIO, "scan", path, "not a regular file"))
	}
	if info.Size() > s.maxModuleSize {
		desc := s.failed(root, path, pluginhost.Errorf(pluginhost.ErrorKindIO, "scan", path,
			"module is %d bytes, limit is %d", info.Size(), s.maxModuleSize))
		desc.Size = info.Size()
		return desc
	}

	wasm, err := os.ReadFile(path) //nolint:gosec // path is confined to the root above
	if err != nil {
		return s.failed(root, path, pluginhost.NewError(pluginhost.ErrorKindIO, "scan", path, err))
	}

	kind, err := s.classifier.Classify(ctx, wasm)
	desc := ModuleDescriptor{
		Path:    path,
		Root:    root.Path,
		Trusted: root.Trusted,
		Size:    info.Size(),
		Kind:    kind,
	}
	if err != nil {
		desc.Kind = abi.KindUnknown
		desc.Err = pluginhost.WithPath(err, pluginhost.ErrorKindLoad, "classify", path)
		s.logger.DebugContext(ctx, "module not classified", "path", path, "error", err)
	}
	return desc
}

func (s *Scanner) failed(root Root, path string, err error) ModuleDescriptor {
	s.logger.Debug("candidate skipped", "path", path, "error", err)
	return ModuleDescriptor{
		Path:    path,
		Root:    root.Path,
		Trusted: root.Trusted,
		Kind:    abi.KindUnknown,
		Err:     err,
	}
}

func (s *Scanner) matches(rel string) bool {
	for _, pat := range s.patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Scanner) excluded(rel string) bool {
	for _, pat := range s.excludes {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// recursive reports whether any pattern can match below the root's top level.
func (s *Scanner) recursive() bool {
	for _, pat := range s.patterns {
		if strings.Contains(pat, "/") {
			return true
		}
	}
	return false
}

// within reports whether target is root or lies under it. Both must be
// clean, symlink-free paths.
func within(root, target string) bool {
	return target == root || strings.HasPrefix(target, root+string(os.PathSeparator))
}

func sortDescriptors(descs []ModuleDescriptor) []ModuleDescriptor {
	slices.SortFunc(descs, func(a, b ModuleDescriptor) int {
		return strings.Compare(a.Path, b.Path)
	})
	return descs
}

// String implements fmt.Stringer for log output.
func (d ModuleDescriptor) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%s (%s: %v)", d.Path, d.Kind, d.Err)
	}
	return fmt.Sprintf("%s (%s)", d.Path, d.Kind)
}
