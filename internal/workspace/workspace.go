package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
)

// FS is the scratch space of one cluster: generated keys, rendered
// configuration and staged files.
type FS interface {
	HostPath(p string) string
	MkDir(p string) error
	WriteFile(p string, data []byte, perm os.FileMode) error
	Delete(p string) error
	Scope(p string) FS
}

// Dir is a workspace rooted in a directory of the local filesystem.
type Dir struct {
	root string
}

// Dir implements FS
var _ FS = (*Dir)(nil)

// New creates a fresh workspace directory below base, or below the system
// temporary directory when base is empty. A leading "~" in base is expanded.
func New(base string) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}

	base, err := homedir.Expand(base)
	if err != nil {
		return nil, fmt.Errorf("failed to expand workspace base '%s': %w", base, err)
	}

	root := filepath.Join(base, uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace '%s': %w", root, err)
	}

	return &Dir{root: root}, nil
}

// Open wraps an already existing workspace directory, such as one recorded in
// the labels of a discovered cluster.
func Open(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) HostPath(p string) string {
	return filepath.Join(d.root, p)
}

func (d *Dir) MkDir(p string) error {
	if err := os.MkdirAll(d.HostPath(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", p, err)
	}
	return nil
}

func (d *Dir) WriteFile(p string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(d.HostPath(p)), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of '%s': %w", p, err)
	}
	if err := os.WriteFile(d.HostPath(p), data, perm); err != nil {
		return fmt.Errorf("failed to write '%s': %w", p, err)
	}
	return nil
}

func (d *Dir) Delete(p string) error {
	if err := os.RemoveAll(d.HostPath(p)); err != nil {
		return fmt.Errorf("failed to remove '%s': %w", p, err)
	}
	return nil
}

// Remove deletes the whole workspace.
func (d *Dir) Remove() error {
	return d.Delete("/")
}

func (d *Dir) Scope(p string) FS {
	return &Scoped{Parent: d, Prefix: p}
}

// Scoped restricts a workspace to one of its subdirectories.
type Scoped struct {
	Parent FS
	Prefix string
}

// Scoped implements FS
var _ FS = (*Scoped)(nil)

func (s *Scoped) HostPath(p string) string {
	return s.Parent.HostPath(filepath.Join(s.Prefix, p))
}

func (s *Scoped) MkDir(p string) error {
	return s.Parent.MkDir(filepath.Join(s.Prefix, p))
}

func (s *Scoped) WriteFile(p string, data []byte, perm os.FileMode) error {
	return s.Parent.WriteFile(filepath.Join(s.Prefix, p), data, perm)
}

func (s *Scoped) Delete(p string) error {
	return s.Parent.Delete(filepath.Join(s.Prefix, p))
}

func (s *Scoped) Scope(p string) FS {
	return &Scoped{Parent: s, Prefix: filepath.Join(s.Prefix, p)}
}
