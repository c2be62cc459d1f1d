package crossbuild

import (
	"fmt"
	"io"
	"strings"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Sprint(a ...any) string
	Sprintf(format string, a ...any) string
}

// step prints the "-> message" progress line used throughout the pipeline.
func step(w io.Writer, format string, a ...any) {
	if w == nil {
		return
	}
	fmt.Fprint(w, colArrow.Sprint("-> "))
	fmt.Fprintln(w, colSuccess.Sprintf(format, a...))
}

// cFprintf prints with a colored style or falls back to fmt.Fprintf when nil
func cFprintf(w io.Writer, p colorPrinter, format string, a ...any) {
	if w == nil {
		return
	}
	if p == nil {
		fmt.Fprintf(w, format, a...)
		return
	}
	fmt.Fprint(w, p.Sprintf(format, a...))
}

func humanReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// shellEscape quotes s for a sh command line. Words made only of
// characters sh never splits or expands are returned as-is.
func shellEscape(s string) string {
	if s != "" && strings.Trim(s, shellSafe) == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-./,:=+@%"
