package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning indicates another canopyd process holds the
// instance lock.
var ErrAlreadyRunning = errors.New("another canopyd instance is already running")

const lockFileName = "canopyd.lock"

// InstanceLock is an advisory file lock that keeps a second agent from
// opening the same queue database.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes the per-data-directory lock without
// blocking. It returns ErrAlreadyRunning when another process holds it.
func AcquireInstanceLock(dataDir string) (*InstanceLock, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return &InstanceLock{fl: fl}, nil
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The lock file itself is left behind; only the
// flock matters.
func (l *InstanceLock) Release() error {
	return l.fl.Unlock()
}
