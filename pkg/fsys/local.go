// Package fsys provides document root backends for the file safety manager.
package fsys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for names that escape the document root.
var ErrOutsideRoot = errors.New("path escapes document root")

// Local is a FileSystem rooted at a directory on the local disk.
type Local struct {
	root string
}

// NewLocal returns a local backend rooted at dir. The directory must exist.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("document root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document root is not a directory: %s", abs)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute document root.
func (l *Local) Root() string {
	return l.root
}

// ReadFile returns the content of the named file.
func (l *Local) ReadFile(_ context.Context, name string) ([]byte, error) {
	p, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile atomically replaces the named file: the data goes to a temporary
// sibling which is synced and renamed over the target.
func (l *Local) WriteFile(_ context.Context, name string, data []byte) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(p), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".aiready-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	var ok bool
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	ok = true
	return nil
}

// Remove deletes the named file.
func (l *Local) Remove(_ context.Context, name string) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Exists reports whether the named file exists.
func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	p, err := l.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates the named directory and any missing parents.
func (l *Local) MkdirAll(_ context.Context, name string) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	return nil
}

func (l *Local) resolve(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// CleanName validates a root-relative name and returns its cleaned form.
func CleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name is required")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("file name contains NUL byte")
	}
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, name)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if clean == "" {
		return "", fmt.Errorf("file name resolves to the document root: %s", name)
	}
	return clean, nil
}
