package crossbuild

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"lukechampine.com/blake3"
)

// LockFileName is the dependency lock file hashed into the cache key.
const LockFileName = "Cargo.lock"

// Digest names the hash function used for the lock-file token.
type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestBLAKE3 Digest = "blake3"
)

func (d Digest) new() (hash.Hash, error) {
	switch d {
	case DigestSHA256, "":
		return sha256.New(), nil
	case DigestBLAKE3:
		// 32-byte output, no key
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported digest %q", string(d))
	}
}

// FindLockFiles returns every lock file under root, skipping the exclude
// subtree (normally the build output directory). Paths are returned in
// lexicographic order of their slash-separated path relative to root, so the
// result does not depend on filesystem enumeration order.
func FindLockFiles(root, exclude string) ([]string, error) {
	if exclude != "" {
		if !filepath.IsAbs(exclude) {
			exclude = filepath.Join(root, exclude)
		}
		exclude = filepath.Clean(exclude)
	}

	type found struct{ rel, path string }
	var files []found
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == exclude {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != LockFileName || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, found{rel: filepath.ToSlash(rel), path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find lock files: %w", err)
	}

	slices.SortFunc(files, func(a, b found) int {
		return strings.Compare(a.rel, b.rel)
	})
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// HashFiles feeds the contents of paths, in order, into a single digest and
// renders it as unpadded base64url.
func HashFiles(paths []string, d Digest) (string, error) {
	h, err := d.new()
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		if err := hashFileInto(h, path); err != nil {
			return "", err
		}
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

func hashFileInto(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hash lock file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash lock file %s: %w", path, err)
	}
	return nil
}

// LockToken computes the lock-file token for the workspace at root.
func LockToken(root, exclude string, d Digest) (string, error) {
	paths, err := FindLockFiles(root, exclude)
	if err != nil {
		return "", err
	}
	return HashFiles(paths, d)
}
