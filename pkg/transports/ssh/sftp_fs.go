package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/kismet-tech/aiready/pkg/fsys"
)

// FileSystem is a document root on a remote host reached over SFTP.
type FileSystem struct {
	client *sftp.Client
	root   string
	touch  func()
}

// NewFileSystem wraps an established SFTP client rooted at root.
func NewFileSystem(client *sftp.Client, root string) *FileSystem {
	return &FileSystem{client: client, root: path.Clean(root)}
}

// Root returns the remote document root as sftp://root.
func (f *FileSystem) Root() string {
	return "sftp://" + f.root
}

// ReadFile returns the content of the named file.
func (f *FileSystem) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := f.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	file, err := f.client.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	f.used()
	return data, nil
}

// WriteFile uploads data to a temporary sibling and renames it over the
// target, so readers never see a partial file.
func (f *FileSystem) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := f.resolve(ctx, name)
	if err != nil {
		return err
	}
	dir := path.Dir(p)
	if err := f.client.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := path.Join(dir, ".aiready-"+uuid.NewString()+".tmp")
	tmp, err := f.client.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	var ok bool
	defer func() {
		if !ok {
			tmp.Close()
			_ = f.client.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := f.client.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := f.client.PosixRename(tmpPath, p); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	ok = true
	f.used()
	return nil
}

// Remove deletes the named file.
func (f *FileSystem) Remove(ctx context.Context, name string) error {
	p, err := f.resolve(ctx, name)
	if err != nil {
		return err
	}
	if err := f.client.Remove(p); err != nil {
		return err
	}
	f.used()
	return nil
}

// Exists reports whether the named file exists.
func (f *FileSystem) Exists(ctx context.Context, name string) (bool, error) {
	p, err := f.resolve(ctx, name)
	if err != nil {
		return false, err
	}
	_, err = f.client.Stat(p)
	if err == nil {
		f.used()
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates the named directory and any missing parents.
func (f *FileSystem) MkdirAll(ctx context.Context, name string) error {
	p, err := f.resolve(ctx, name)
	if err != nil {
		return err
	}
	if err := f.client.MkdirAll(p); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	return nil
}

func (f *FileSystem) resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := fsys.CleanName(name)
	if err != nil {
		return "", err
	}
	return path.Join(f.root, clean), nil
}

func (f *FileSystem) used() {
	if f.touch != nil {
		f.touch()
	}
}
