package crossbuild

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Stager copies stripped release binaries into the output tree.
type Stager struct {
	Runner    Runner
	Packages  []string
	Triples   []Triple
	TargetDir string // absolute
	OutputDir string // absolute
	Stdout    io.Writer
}

// Reset deletes the output root and recreates one empty subdirectory per
// triple, so nothing from an earlier run survives.
func (s *Stager) Reset() error {
	if err := os.RemoveAll(s.OutputDir); err != nil {
		return fmt.Errorf("failed to clean output directory %s: %w", s.OutputDir, err)
	}
	for _, t := range s.Triples {
		dir := t.StagedPath(s.OutputDir, "")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
	}
	return nil
}

func stripCommand(t Triple, src, dst string) string {
	return fmt.Sprintf("%s %s -o %s", t.Stripper, shellEscape(src), shellEscape(dst))
}

// Stage resets the output tree and strips each package's binary for each
// triple into it. A missing binary surfaces as the stripper's own failure.
func (s *Stager) Stage(ctx context.Context) error {
	if err := s.Reset(); err != nil {
		return err
	}
	for _, pkg := range s.Packages {
		for _, t := range s.Triples {
			src := t.BinaryPath(s.TargetDir, pkg)
			dst := t.StagedPath(s.OutputDir, pkg)
			step(s.Stdout, "Stripping %s -> %s", pkg, dst)
			if err := s.Runner.Run(ctx, stripCommand(t, src, dst), nil); err != nil {
				return err
			}
		}
	}
	return nil
}
