package infra

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	snapshotDirName      = "snapshots"
	snapshotManifestName = "manifest.json"

	// DefaultSnapshotKeep is how many archived databases survive pruning.
	DefaultSnapshotKeep = 5
)

// SnapshotEntry records one archived copy of the outbox database.
type SnapshotEntry struct {
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	TakenAt   time.Time `json:"taken_at"`
	Reason    string    `json:"reason"`
}

type snapshotManifest struct {
	Entries []SnapshotEntry `json:"entries"`
}

// SnapshotManager archives copies of the outbox database before
// destructive operations. The copies stay SQLCipher-encrypted, so taking
// a snapshot never writes cleartext to disk.
type SnapshotManager struct {
	dir    string
	keep   int
	logger *zap.Logger
	now    func() time.Time
}

// NewSnapshotManager creates a snapshot manager rooted under dataDir.
func NewSnapshotManager(dataDir string, keep int, logger *zap.Logger) *SnapshotManager {
	if keep <= 0 {
		keep = DefaultSnapshotKeep
	}
	return &SnapshotManager{
		dir:    filepath.Join(dataDir, snapshotDirName),
		keep:   keep,
		logger: logger,
		now:    time.Now,
	}
}

// Take archives the database at dbPath and records it in the manifest.
// Older snapshots beyond the retention count are pruned.
func (sm *SnapshotManager) Take(dbPath, reason string) (*SnapshotEntry, error) {
	if err := os.MkdirAll(sm.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	takenAt := sm.now().UTC()
	name := fmt.Sprintf("outbox-%s-%s.db", takenAt.Format("20060102-150405"), generateRandomHex(6))
	dest := filepath.Join(sm.dir, name)

	if err := copyFile(dbPath, dest); err != nil {
		return nil, fmt.Errorf("failed to copy database: %w", err)
	}

	sha, err := computeSHA256(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to hash snapshot: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	entry := SnapshotEntry{
		Path:      dest,
		SHA256:    sha,
		SizeBytes: info.Size(),
		TakenAt:   takenAt,
		Reason:    reason,
	}

	manifest, err := sm.loadManifest()
	if err != nil {
		return nil, err
	}
	manifest.Entries = append(manifest.Entries, entry)
	sm.trimExcess(&manifest)

	if err := sm.saveManifest(manifest); err != nil {
		return nil, err
	}

	sm.logger.Info("outbox snapshot taken",
		zap.String("path", dest),
		zap.String("reason", reason),
		zap.Int64("size_bytes", entry.SizeBytes))

	return &entry, nil
}

// List returns recorded snapshots, oldest first.
func (sm *SnapshotManager) List() ([]SnapshotEntry, error) {
	manifest, err := sm.loadManifest()
	if err != nil {
		return nil, err
	}
	return manifest.Entries, nil
}

// Verify recomputes the snapshot hash and compares it to the manifest.
func (sm *SnapshotManager) Verify(entry SnapshotEntry) error {
	sha, err := computeSHA256(entry.Path)
	if err != nil {
		return fmt.Errorf("failed to hash snapshot: %w", err)
	}
	if sha != entry.SHA256 {
		return fmt.Errorf("snapshot %s does not match its recorded hash", entry.Path)
	}
	return nil
}

// Prune drops snapshots beyond the retention count, oldest first.
func (sm *SnapshotManager) Prune() error {
	manifest, err := sm.loadManifest()
	if err != nil {
		return err
	}
	if len(manifest.Entries) <= sm.keep {
		return nil
	}
	sm.trimExcess(&manifest)
	return sm.saveManifest(manifest)
}

func (sm *SnapshotManager) trimExcess(manifest *snapshotManifest) {
	for len(manifest.Entries) > sm.keep {
		victim := manifest.Entries[0]
		manifest.Entries = manifest.Entries[1:]
		if err := os.Remove(victim.Path); err != nil && !os.IsNotExist(err) {
			sm.logger.Warn("failed to remove pruned snapshot",
				zap.String("path", victim.Path), zap.Error(err))
		}
	}
}

func (sm *SnapshotManager) loadManifest() (snapshotManifest, error) {
	var manifest snapshotManifest
	data, err := os.ReadFile(filepath.Join(sm.dir, snapshotManifestName))
	if os.IsNotExist(err) {
		return manifest, nil
	}
	if err != nil {
		return manifest, fmt.Errorf("failed to read snapshot manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("failed to parse snapshot manifest: %w", err)
	}
	return manifest, nil
}

func (sm *SnapshotManager) saveManifest(manifest snapshotManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sm.dir, snapshotManifestName), data, 0600)
}

// computeSHA256 calculates SHA256 hash of a file.
func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyFile copies a file from src to dst using atomic write pattern.
// Writes to temp file first, syncs, then renames to avoid corruption.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	// Create temp file in same directory for atomic rename
	dstDir := filepath.Dir(dst)
	tmpFile, err := os.CreateTemp(dstDir, ".canopy-copy-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	// Copy content
	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}

	// Sync to disk before rename
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	// Atomic rename
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}
