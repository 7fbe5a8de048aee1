package scanner

import (
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// DefaultPattern matches module files at the top level of a root.
	DefaultPattern = "*.wasm"
	// RecursivePattern matches module files at any depth.
	RecursivePattern = "**/*.wasm"
	// DefaultMaxModuleSize is the largest file the scanner will classify.
	DefaultMaxModuleSize int64 = 64 << 20
)

// Option configures a Scanner.
type Option func(*Scanner)

// WithPatterns replaces the doublestar patterns candidate files must match,
// relative to the root with forward slashes. Invalid patterns are dropped.
func WithPatterns(patterns ...string) Option {
	return func(s *Scanner) {
		if valid := validPatterns(patterns); len(valid) > 0 {
			s.patterns = valid
		}
	}
}

// WithExcludes adds doublestar patterns for files and directories to skip.
func WithExcludes(patterns ...string) Option {
	return func(s *Scanner) {
		s.excludes = append(s.excludes, validPatterns(patterns)...)
	}
}

// WithMaxModuleSize limits the size of files that are classified.
func WithMaxModuleSize(n int64) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxModuleSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func validPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		if doublestar.ValidatePattern(pat) {
			out = append(out, pat)
		}
	}
	return out
}
