package crossbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"zombiezen.com/go/log"
)

const (
	// RustupURL serves the rustup installer script.
	RustupURL = "https://sh.rustup.rs"
	// OpenSSLURL is the arm64 libssl development package linked into
	// aarch64 builds.
	OpenSSLURL = "http://security.debian.org/debian-security/pool/updates/main/o/openssl/libssl-dev_1.1.1n-0+deb10u6_arm64.deb"

	rustupScriptName = "install-rust-arandompath.sh"
	openSSLMarker    = "openssl-aarch64"
	openSSLLibSubdir = "lib/aarch64-linux-gnu"
	// opensslconf.h ships under the multiarch include directory, but
	// openssl-sys looks for it next to the other headers.
	openSSLConfHeader = "include/aarch64-linux-gnu/openssl/opensslconf.h"
	openSSLConfDest   = "include/openssl"
)

// OpenSSLLocation records a bootstrapped OpenSSL for one target triple.
type OpenSSLLocation struct {
	Triple     Triple
	IncludeDir string // OPENSSL_DIR: the prefix containing include/
	LibDir     string
}

// Installer provisions the Rust toolchain and the cross-linking OpenSSL.
type Installer struct {
	Runner    Runner
	Workspace string
	TargetDir string // relative to Workspace unless absolute
	Client    *http.Client

	RustupURL  string // defaults to RustupURL
	OpenSSLURL string // defaults to OpenSSLURL
	ScriptDir  string // where the rustup script is written; defaults to os.TempDir()

	Stdout   io.Writer
	Progress io.Writer
	Quiet    bool // suppress download progress bars
}

func (in *Installer) targetDir() string {
	if filepath.IsAbs(in.TargetDir) {
		return in.TargetDir
	}
	return filepath.Join(in.Workspace, in.TargetDir)
}

func (in *Installer) download(ctx context.Context, url, dest string) error {
	return downloadFile(ctx, in.Client, url, dest, downloadOptions{Quiet: in.Quiet, Progress: in.Progress})
}

// InstallRust downloads the rustup installer and runs it unattended.
// Whether an existing toolchain is reused is up to the installer script.
func (in *Installer) InstallRust(ctx context.Context) error {
	step(in.Stdout, "Installing Rust toolchain")

	url := in.RustupURL
	if url == "" {
		url = RustupURL
	}
	dir := in.ScriptDir
	if dir == "" {
		dir = os.TempDir()
	}
	script := filepath.Join(dir, rustupScriptName)
	if err := in.download(ctx, url, script); err != nil {
		return fmt.Errorf("install rust: %w", err)
	}
	defer func() {
		if err := os.Remove(script); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf(ctx, "Failed to remove %s: %v", script, err)
		}
	}()
	return in.Runner.Run(ctx, "sh "+shellEscape(script)+" -y", nil)
}

// InstallOpenSSL makes the arm64 OpenSSL development files available under
// the target directory and returns their location. When the marker
// directory already exists the download is skipped.
func (in *Installer) InstallOpenSSL(ctx context.Context) (*OpenSSLLocation, error) {
	targetDir := in.targetDir()
	marker := filepath.Join(targetDir, openSSLMarker)
	loc := &OpenSSLLocation{
		Triple:     Triples[0],
		IncludeDir: marker,
		LibDir:     filepath.Join(marker, filepath.FromSlash(openSSLLibSubdir)),
	}

	if _, err := os.Stat(marker); err == nil {
		step(in.Stdout, "Using OpenSSL from %s", marker)
		return loc, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("install openssl: %w", err)
	}

	step(in.Stdout, "Installing OpenSSL for %s", loc.Triple.Name)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("install openssl: %w", err)
	}

	url := in.OpenSSLURL
	if url == "" {
		url = OpenSSLURL
	}
	deb := filepath.Join(in.Workspace, filepath.Base(url))
	if err := in.download(ctx, url, deb); err != nil {
		return nil, fmt.Errorf("install openssl: %w", err)
	}

	// Unpack beside the marker so the final rename stays on one filesystem.
	staging, err := os.MkdirTemp(targetDir, ".openssl-*")
	if err != nil {
		os.Remove(deb)
		return nil, fmt.Errorf("install openssl: %w", err)
	}
	defer os.RemoveAll(staging)

	err = extractDeb(ctx, deb, staging)
	if rmErr := os.Remove(deb); rmErr != nil && err == nil {
		err = rmErr
	}
	if err != nil {
		return nil, fmt.Errorf("install openssl: %w", err)
	}

	if err := os.Rename(filepath.Join(staging, "usr"), marker); err != nil {
		return nil, fmt.Errorf("install openssl: %w", err)
	}
	confDest := filepath.Join(marker, filepath.FromSlash(openSSLConfDest), "opensslconf.h")
	if err := copyFile(filepath.Join(marker, filepath.FromSlash(openSSLConfHeader)), confDest); err != nil {
		return nil, fmt.Errorf("install openssl: %w", err)
	}
	log.Debugf(ctx, "OpenSSL installed: OPENSSL_DIR=%s OPENSSL_LIB_DIR=%s", loc.IncludeDir, loc.LibDir)
	return loc, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
