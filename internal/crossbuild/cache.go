package crossbuild

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// CacheStore persists directories between invocations under a cache key.
type CacheStore interface {
	// Restore extracts the snapshot for key.Primary, or failing that the
	// most recent snapshot matching one of key.RestorePrefixes.
	// It returns the key that matched, or "" when nothing matched.
	Restore(ctx context.Context, paths []string, key CacheKey) (string, error)
	// Save snapshots paths under key.
	Save(ctx context.Context, paths []string, key string) error
}

// Snapshot describes one stored cache entry.
type Snapshot struct {
	Key     string
	Name    string // object or file name, including the archive suffix
	Size    int64
	ModTime time.Time
}

// SnapshotLister is implemented by stores that can enumerate their entries.
type SnapshotLister interface {
	List(ctx context.Context) ([]Snapshot, error)
}

// escapeKey makes key safe for use as a file or object name. Escaping is
// per character, so an escaped prefix is a prefix of the escaped key.
func escapeKey(key string) string {
	return url.PathEscape(key)
}

// snapshotName returns the file or object name for key.
func snapshotName(key, compression string) string {
	return escapeKey(key) + snapshotExtensions[compression]
}

// parseSnapshotName is the inverse of snapshotName.
func parseSnapshotName(name string) (key string, ok bool) {
	for _, ext := range snapshotExtensions {
		if base, found := strings.CutSuffix(name, ext); found {
			key, err := url.PathUnescape(base)
			return key, err == nil
		}
	}
	return "", false
}

// selectSnapshot picks the snapshot to restore for key: an exact primary
// match, else the newest entry for the first restore prefix with any match.
func selectSnapshot(snaps []Snapshot, key CacheKey) (Snapshot, bool) {
	for _, s := range snaps {
		if s.Key == key.Primary {
			return s, true
		}
	}
	for _, prefix := range key.RestorePrefixes {
		var best Snapshot
		found := false
		for _, s := range snaps {
			if !strings.HasPrefix(s.Key, prefix) {
				continue
			}
			if !found || s.ModTime.After(best.ModTime) {
				best, found = s, true
			}
		}
		if found {
			return best, true
		}
	}
	return Snapshot{}, false
}

// LocalStore keeps snapshots as archives in a directory.
// Concurrent invocations sharing Dir are serialized with an flock.
type LocalStore struct {
	Dir         string
	Compression string // "zstd" or "gzip"; used for new snapshots
}

func (s *LocalStore) lock(how int) (unlock func(), err error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", s.Dir, err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// List returns the snapshots in the store directory.
func (s *LocalStore) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list cache: %w", err)
	}
	var snaps []Snapshot
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list cache: %w", err)
		}
		snaps = append(snaps, Snapshot{Key: key, Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return snaps, nil
}

// Restore implements [CacheStore].
func (s *LocalStore) Restore(ctx context.Context, paths []string, key CacheKey) (string, error) {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return "", err
	}
	defer unlock()

	snaps, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	snap, ok := selectSnapshot(snaps, key)
	if !ok {
		return "", nil
	}
	compression, err := compressionForName(snap.Name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(filepath.Join(s.Dir, snap.Name))
	if err != nil {
		return "", fmt.Errorf("restore cache: %w", err)
	}
	defer f.Close()
	log.Debugf(ctx, "Restoring %s (%s) for %d paths", f.Name(), humanReadableSize(snap.Size), len(paths))
	if err := readSnapshot(ctx, f, compression, "/"); err != nil {
		return "", fmt.Errorf("restore cache %s: %w", snap.Key, err)
	}
	return snap.Key, nil
}

// Save implements [CacheStore].
func (s *LocalStore) Save(ctx context.Context, paths []string, key string) error {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	name := snapshotName(key, s.Compression)
	tmp, err := os.CreateTemp(s.Dir, ".save-*")
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := writeSnapshot(tmp, paths, s.Compression); err != nil {
		tmp.Close()
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return fmt.Errorf("save cache %s: %w", key, err)
	}
	// Drop snapshots of the same key written with another compression.
	for c := range snapshotExtensions {
		if c == s.Compression {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, snapshotName(key, c))); err != nil && !os.IsNotExist(err) {
			log.Warnf(ctx, "Failed to remove stale snapshot: %v", err)
		}
	}
	return nil
}
