package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"zw-go/internal/witness"
)

// FileSystemArchive stores archives as flat files under a root directory.
type FileSystemArchive struct {
	name string
	root string
}

// NewFileSystemArchive creates a filesystem archive rooted at the given path.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

func (a *FileSystemArchive) Put(_ context.Context, name string, r io.Reader, size int64) error {
	destPath := filepath.Join(a.root, name)

	// Temp file in the same directory so the rename is atomic.
	tmpFile, err := os.CreateTemp(a.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

func (a *FileSystemArchive) Get(_ context.Context, name string, w io.Writer) error {
	f, err := os.Open(filepath.Join(a.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("archive not found: %s", name)
		}
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	return nil
}

func (a *FileSystemArchive) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies the archive root exists and is a directory.
func (a *FileSystemArchive) ValidateSetup(context.Context) error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}
	return nil
}

var _ witness.Archive = (*FileSystemArchive)(nil)
