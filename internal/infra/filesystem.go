package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem centralizes path handling for the daemon: home expansion for
// configured paths and creation of the private data directory that holds
// the outbox database, key file and snapshots.
type FileSystem struct {
	homeDir string
}

// NewFileSystem creates a filesystem helper for the current user.
func NewFileSystem() *FileSystem {
	home, _ := os.UserHomeDir()
	return &FileSystem{homeDir: home}
}

// NewFileSystemWithHome creates a filesystem helper with custom home (for testing).
func NewFileSystemWithHome(home string) *FileSystem {
	return &FileSystem{homeDir: home}
}

// Exists checks if a path exists.
func (fm *FileSystem) Exists(path string) bool {
	expanded := fm.ExpandHome(path)
	_, err := os.Stat(expanded)
	return err == nil
}

// EnsureDir creates path (and parents) with owner-only permissions and
// returns the expanded path.
func (fm *FileSystem) EnsureDir(path string) (string, error) {
	expanded := fm.ExpandHome(path)
	if err := os.MkdirAll(expanded, 0700); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", expanded, err)
	}
	return expanded, nil
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystem) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}
