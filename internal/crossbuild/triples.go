package crossbuild

import (
	"path/filepath"
	"strings"
)

// Triple is a fixed (architecture, OS, ABI) combination the pipeline builds for.
type Triple struct {
	Name       string // rustc target triple
	OutDir     string // subdirectory of the output root
	Linker     string
	Stripper   string
	AptPackage string // cross toolchain providing Linker and Stripper
}

// Triples lists the two supported targets in build order.
var Triples = []Triple{
	{
		Name:       "aarch64-unknown-linux-gnu",
		OutDir:     "aarch64",
		Linker:     "aarch64-linux-gnu-gcc",
		Stripper:   "aarch64-linux-gnu-strip",
		AptPackage: "gcc-aarch64-linux-gnu",
	},
	{
		Name:       "x86_64-unknown-linux-gnu",
		OutDir:     "x86-64",
		Linker:     "x86_64-linux-gnu-gcc",
		Stripper:   "x86_64-linux-gnu-strip",
		AptPackage: "gcc-x86-64-linux-gnu",
	},
}

// EnvPrefix returns the triple in the form cargo build scripts expect
// for per-target variables, e.g. AARCH64_UNKNOWN_LINUX_GNU.
func (t Triple) EnvPrefix() string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(t.Name))
}

// BinaryPath returns where cargo leaves the release binary for unit.
func (t Triple) BinaryPath(targetDir, unit string) string {
	return filepath.Join(targetDir, t.Name, "release", unit)
}

// StagedPath returns where the stripped binary for unit is written.
func (t Triple) StagedPath(outputDir, unit string) string {
	return filepath.Join(outputDir, t.OutDir, unit)
}
