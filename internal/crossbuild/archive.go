package crossbuild

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// snapshotExtensions maps a cache-compression input to its archive suffix.
var snapshotExtensions = map[string]string{
	"zstd": ".tar.zst",
	"gzip": ".tar.gz",
}

// compressionForName returns the compression implied by an archive name.
func compressionForName(name string) (string, error) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"):
		return "zstd", nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "gzip", nil
	case strings.HasSuffix(name, ".tar.xz"):
		return "xz", nil
	case strings.HasSuffix(name, ".tar"):
		return "", nil
	default:
		return "", fmt.Errorf("unsupported archive format: %s", name)
	}
}

// decompress wraps r according to compression.
// The returned close function releases decoder resources.
func decompress(r io.Reader, compression string) (io.Reader, func(), error) {
	switch compression {
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case "gzip":
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case "xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xz reader: %w", err)
		}
		return xr, func() {}, nil
	case "":
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// extractDeb unpacks the data archive of a Debian package into dest.
func extractDeb(ctx context.Context, debPath, dest string) error {
	f, err := os.Open(debPath)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	rd := ar.NewReader(f)
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return fmt.Errorf("%s: no data archive in package", debPath)
		}
		if err != nil {
			return fmt.Errorf("%s: read ar member: %w", debPath, err)
		}
		name := strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
		if !strings.HasPrefix(name, "data.tar") {
			continue
		}
		compression, err := compressionForName(name)
		if err != nil {
			return fmt.Errorf("%s: %w", debPath, err)
		}
		r, closeFn, err := decompress(rd, compression)
		if err != nil {
			return fmt.Errorf("%s: %w", debPath, err)
		}
		defer closeFn()
		if err := extractTarStream(ctx, r, dest); err != nil {
			return fmt.Errorf("%s: %w", debPath, err)
		}
		return nil
	}
}

// extractTarStream extracts an uncompressed tar stream into dest.
// Entries escaping dest, directly or through a symlink the archive itself
// created, are rejected.
func extractTarStream(ctx context.Context, r io.Reader, dest string) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	prefix := strings.TrimSuffix(dest, string(os.PathSeparator)) + string(os.PathSeparator)
	// Symlinks created by this archive. Later entries may not be written
	// through them.
	links := make(map[string]bool)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		targetPath := filepath.Join(dest, hdr.Name)
		if targetPath != dest && !strings.HasPrefix(targetPath, prefix) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}
		if link := linkAncestor(links, dest, targetPath); link != "" {
			return fmt.Errorf("illegal file path in archive: %s passes through symlink %s", hdr.Name, link)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			// Replace rather than truncate so a symlink at targetPath is never followed.
			if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to replace %s: %w", targetPath, err)
			}
			delete(links, targetPath)
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			if err := outFile.Close(); err != nil {
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			if targetPath == dest {
				return fmt.Errorf("illegal symlink in archive: %s", hdr.Name)
			}
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			links[targetPath] = true
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(targetPath, []unix.Timeval{mtime, mtime}); err != nil {
				log.Debugf(ctx, "Warning: failed to set times for symlink %s: %v (continuing)", targetPath, err)
			}
		case tar.TypeXHeader, tar.TypeXGlobalHeader:
		default:
			log.Debugf(ctx, "Skipping unsupported tar entry type %c: %s", hdr.Typeflag, hdr.Name)
		}
	}
}

// linkAncestor returns the first directory between dest and path that is
// in links, or "" if there is none.
func linkAncestor(links map[string]bool, dest, path string) string {
	for dir := filepath.Dir(path); dir != dest; dir = filepath.Dir(dir) {
		if links[dir] {
			return dir
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return ""
}

// writeSnapshot writes a compressed tar of paths to w. Entries are named by
// their absolute path without the leading slash, so the snapshot restores to
// the same locations. Paths that do not exist are skipped.
func writeSnapshot(w io.Writer, paths []string, compression string) (err error) {
	var cw io.WriteCloser
	switch compression {
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		cw = zw
	case "gzip":
		cw = pgzip.NewWriter(w)
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}
	defer func() {
		if cerr := cw.Close(); err == nil {
			err = cerr
		}
	}()

	tw := tar.NewWriter(cw)
	defer func() {
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
	}()

	for _, root := range paths {
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			var linkTarget string
			if info.Mode()&os.ModeSymlink != 0 {
				linkTarget, err = os.Readlink(path)
				if err != nil {
					return fmt.Errorf("readlink %s: %w", path, err)
				}
			}
			hdr, err := tar.FileInfoHeader(info, linkTarget)
			if err != nil {
				return err
			}
			hdr.Name = strings.TrimPrefix(filepath.ToSlash(path), "/")
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to add %s to snapshot: %w", root, err)
		}
	}
	return nil
}

// readSnapshot extracts a snapshot written by writeSnapshot under root
// (normally "/").
func readSnapshot(ctx context.Context, r io.Reader, compression, root string) error {
	dr, closeFn, err := decompress(r, compression)
	if err != nil {
		return err
	}
	defer closeFn()
	return extractTarStream(ctx, dr, root)
}

// listSnapshot writes one line per entry of the snapshot to w.
func listSnapshot(r io.Reader, compression string, w io.Writer) error {
	dr, closeFn, err := decompress(r, compression)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		fmt.Fprintf(w, "%s %9s  /%s\n", os.FileMode(hdr.Mode).Perm(), humanReadableSize(hdr.Size), hdr.Name)
	}
}
