package crossbuild

import (
	"context"
	"fmt"
	"io"
)

// IncrementalEnv is set for build steps when the cache is enabled so that
// restored incremental state is reused.
const IncrementalEnv = "CARGO_INCREMENTAL"

// Matrix builds every package for every triple.
type Matrix struct {
	Runner      Runner
	Packages    []string
	Triples     []Triple
	OpenSSL     *OpenSSLLocation // nil when OpenSSL was not bootstrapped
	Incremental bool
	Stdout      io.Writer
}

// stepEnv composes the environment overlay for building for t.
// Each call returns a fresh map.
func (m *Matrix) stepEnv(t Triple) Env {
	env := Env{}
	if m.OpenSSL != nil && m.OpenSSL.Triple.Name == t.Name {
		prefix := t.EnvPrefix()
		env = env.With(prefix+"_OPENSSL_DIR", m.OpenSSL.IncludeDir).
			With(prefix+"_OPENSSL_LIB_DIR", m.OpenSSL.LibDir)
	}
	if m.Incremental {
		env = env.With(IncrementalEnv, "1")
	}
	return env
}

// cargoBuildCommand returns the release build command for one package and
// triple, overriding the linker for that target.
func cargoBuildCommand(pkg string, t Triple) string {
	return fmt.Sprintf(`cargo build --target %[1]s --release --config target.%[1]s.linker=\"%[2]s\" --package %[3]s`,
		t.Name, t.Linker, pkg)
}

// Run builds packages in order, each for every triple in order.
// The first failing build stops the matrix.
func (m *Matrix) Run(ctx context.Context) error {
	if len(m.Packages) == 0 {
		return ErrNoPackages
	}
	for _, pkg := range m.Packages {
		for _, t := range m.Triples {
			step(m.Stdout, "Building %s for %s", pkg, t.Name)
			if err := m.Runner.Run(ctx, cargoBuildCommand(pkg, t), m.stepEnv(t)); err != nil {
				return err
			}
		}
	}
	return nil
}
