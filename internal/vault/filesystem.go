package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
)

// FileSystemVault stores packages as files named by their content hash under
// one root directory:
//
//	<root>/
//	  <hash>      (package bytes, named by SHA-256 hex)
type FileSystemVault struct {
	root string
}

// NewFileSystemVault creates a vault rooted at the given path.
func NewFileSystemVault(root string) (*FileSystemVault, error) {
	if root == "" {
		return nil, fmt.Errorf("vault: filesystem root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Storagef("create vault root: %v", err)
	}
	return &FileSystemVault{root: root}, nil
}

// Put stores package bytes under their hash. Existing packages are left
// untouched; the write goes through a temp file and rename so a crash never
// leaves a half-written package under its final name.
func (v *FileSystemVault) Put(_ context.Context, hash string, data []byte) error {
	destPath := filepath.Join(v.root, hash)
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(v.root, hash+".tmp-*")
	if err != nil {
		return apperr.Storagef("create package temp file: %v", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Storagef("write package %s: %v", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Storagef("sync package %s: %v", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Storagef("close package %s: %v", hash, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return apperr.Storagef("commit package %s: %v", hash, err)
	}
	return nil
}

// Get retrieves package bytes by hash.
func (v *FileSystemVault) Get(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(v.root, hash))
	if os.IsNotExist(err) {
		return nil, apperr.NotFoundf("update package %s", hash)
	}
	if err != nil {
		return nil, apperr.Storagef("read package %s: %v", hash, err)
	}
	return data, nil
}

// Has reports whether a package exists.
func (v *FileSystemVault) Has(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(filepath.Join(v.root, hash))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storagef("stat package %s: %v", hash, err)
	}
	return true, nil
}
