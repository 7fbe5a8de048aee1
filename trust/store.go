package trust

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// grantFileVersion is written to every grants file. Files without a version
// are read as version 1.
const grantFileVersion = 1

// Grant records a module the user chose to always allow. Grants are keyed by
// digest; Path is informational.
type Grant struct {
	GrantedAt time.Time `yaml:"granted_at"`
	Path      string    `yaml:"path"`
	Digest    string    `yaml:"digest"`
}

// Store persists grants.
type Store interface {
	Load() ([]Grant, error)
	Save(grants []Grant) error
	ConfigPath() string
}

// DefaultGrantsFile returns ~/.cognexus/trusted-plugins.yaml.
func DefaultGrantsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cognexus", "trusted-plugins.yaml")
	}
	return filepath.Join(home, ".cognexus", "trusted-plugins.yaml")
}

// FileStore keeps grants in a YAML file, replaced atomically on save.
type FileStore struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithPath sets the grants file. An empty path keeps the default.
func WithPath(path string) FileStoreOption {
	return func(s *FileStore) {
		if path != "" {
			s.path = path
		}
	}
}

// WithFilePermissions sets the mode of the grants file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(s *FileStore) {
		s.filePerm = perm
	}
}

// WithDirPermissions sets the mode used when creating the grants directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(s *FileStore) {
		s.dirPerm = perm
	}
}

// NewFileStore returns a store backed by DefaultGrantsFile unless WithPath
// is given.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		path:     DefaultGrantsFile(),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type grantFile struct {
	Version int     `yaml:"version"`
	Grants  []Grant `yaml:"grants"`
}

// Load returns the stored grants. A missing file is an empty store.
func (s *FileStore) Load() ([]Grant, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grants %s: %w", s.path, err)
	}

	var f grantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse grants %s: %w", s.path, err)
	}
	if f.Version > grantFileVersion {
		return nil, fmt.Errorf("grants %s: unsupported version %d", s.path, f.Version)
	}
	return f.Grants, nil
}

// Save replaces the stored grants. Only the last grant per digest is kept.
func (s *FileStore) Save(grants []Grant) error {
	data, err := yaml.Marshal(grantFile{Version: grantFileVersion, Grants: dedupe(grants)})
	if err != nil {
		return fmt.Errorf("failed to encode grants: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".grants-*")
	if err != nil {
		return fmt.Errorf("failed to create temp grants file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write grants: %w", err)
	}
	if err := tmp.Chmod(s.filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set grants permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write grants: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// ConfigPath returns the grants file path.
func (s *FileStore) ConfigPath() string {
	return s.path
}

func dedupe(grants []Grant) []Grant {
	last := make(map[string]int, len(grants))
	for i, g := range grants {
		last[g.Digest] = i
	}
	out := make([]Grant, 0, len(last))
	for i, g := range grants {
		if last[g.Digest] == i {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b Grant) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Digest, b.Digest)
	})
	return out
}
