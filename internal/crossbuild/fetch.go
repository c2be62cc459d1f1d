package crossbuild

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// Debian's security mirror can be slow to handshake from CI runners.
	transport.TLSHandshakeTimeout = 30 * time.Second

	// No overall timeout: downloads are bounded only by the caller's context.
	return &http.Client{Transport: transport}
}

type downloadOptions struct {
	Quiet    bool      // Quiet suppresses the progress bar
	Progress io.Writer // where the progress bar is drawn; defaults to os.Stderr
}

// isTerminal reports whether w is attached to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// downloadFile fetches url into destFile. The body is written to a
// temporary file next to destFile and renamed into place only after the
// transfer completes, so a failed download never leaves a truncated file.
func downloadFile(ctx context.Context, client *http.Client, url, destFile string, opt downloadOptions) error {
	if client == nil {
		client = newHTTPClient()
	}
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}

	log.Debugf(ctx, "Downloading %s -> %s", url, destFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: bad status: %s", url, resp.Status)
	}

	out, err := os.CreateTemp(filepath.Dir(destFile), "."+filepath.Base(destFile)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", destFile, err)
	}
	tmpName := out.Name()
	defer os.Remove(tmpName)

	var w io.Writer = out
	if !opt.Quiet {
		progress := opt.Progress
		if progress == nil {
			progress = os.Stderr
		}
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription(filepath.Base(destFile)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(progress) }),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
		)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to write download to %s: %w", destFile, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write download to %s: %w", destFile, err)
	}
	if err := os.Rename(tmpName, destFile); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	log.Debugf(ctx, "Downloaded %s (%s)", destFile, humanReadableSize(n))
	return nil
}
