package crossbuild

import (
	"context"
	"fmt"
	"io"
	"time"

	"zombiezen.com/go/log"
)

// Pipeline runs the cross-build stages in order, stopping at the first error.
type Pipeline struct {
	Config    *Config
	Runner    Runner
	Store     CacheStore // required when Config.Cache is set
	Installer *Installer
	Triples   []Triple // defaults to Triples
	Stdout    io.Writer

	// setupSystem installs cross linkers; replaced in tests.
	setupSystem func(ctx context.Context, r Runner, triples []Triple) error
}

// pipelineState is threaded through the stages.
type pipelineState struct {
	key        CacheKey
	restored   string // key that matched on restore, "" on miss
	openSSL    *OpenSSLLocation
	lockPaths  []string
	lockDigest string
}

type stage struct {
	name string
	run  func(ctx context.Context, st *pipelineState) error
}

func (p *Pipeline) triples() []Triple {
	if len(p.Triples) > 0 {
		return p.Triples
	}
	return Triples
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{"validate configuration", p.validate},
		{"restore cache", p.restoreCache},
		{"install rust", p.installRust},
		{"install openssl", p.installOpenSSL},
		{"set up cross toolchains", p.setup},
		{"build", p.build},
		{"stage artifacts", p.stageArtifacts},
		{"save cache", p.saveCache},
	}
}

// Run executes the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	st := new(pipelineState)
	for _, s := range p.stages() {
		start := time.Now()
		log.Debugf(ctx, "Stage %q starting", s.name)
		if err := s.run(ctx, st); err != nil {
			return err
		}
		log.Debugf(ctx, "Stage %q finished in %v", s.name, time.Since(start).Round(time.Millisecond))
	}
	step(p.Stdout, "Built %d package(s) for %d target(s) into %s", len(p.Config.Packages), len(p.triples()), p.Config.abs(p.Config.OutputDir))
	return nil
}

// boolInputs lists the inputs read with parseBoolInput.
var boolInputs = []string{"install-rustup", "install-openssl", "cache", "skip-system-setup"}

func (p *Pipeline) validate(ctx context.Context, st *pipelineState) error {
	for _, name := range boolInputs {
		if v, set := p.Config.Values[name]; set && v != "" {
			if _, ok := parseBoolInput(v); !ok {
				log.Warnf(ctx, "Input %s=%q is not a boolean; treating as false", name, v)
			}
		}
	}
	if err := p.Config.Validate(); err != nil {
		return err
	}
	if p.Config.Cache && p.Store == nil {
		return fmt.Errorf("cache enabled but no cache store configured")
	}
	return nil
}

// computeKey hashes the lock files and derives the cache key.
func (p *Pipeline) computeKey(st *pipelineState) error {
	paths, err := FindLockFiles(p.Config.Workspace, p.Config.abs(p.Config.TargetDir))
	if err != nil {
		return err
	}
	token, err := HashFiles(paths, p.Config.Hash)
	if err != nil {
		return err
	}
	st.lockPaths = paths
	st.lockDigest = token
	st.key = NewCacheKey(p.Config.CacheKey, token)
	return nil
}

func (p *Pipeline) restoreCache(ctx context.Context, st *pipelineState) error {
	if !p.Config.Cache {
		return nil
	}
	if err := p.computeKey(st); err != nil {
		return err
	}
	log.Debugf(ctx, "Cache key %s from %d lock file(s)", st.key.Primary, len(st.lockPaths))
	matched, err := p.Store.Restore(ctx, p.Config.CachePaths(), st.key)
	if err != nil {
		return err
	}
	st.restored = matched
	switch {
	case matched == "":
		step(p.Stdout, "Cache not found for %s", st.key.Primary)
	case matched == st.key.Primary:
		step(p.Stdout, "Cache restored from key: %s", matched)
	default:
		step(p.Stdout, "Cache restored from fallback key: %s", matched)
	}
	return nil
}

func (p *Pipeline) installRust(ctx context.Context, st *pipelineState) error {
	if !p.Config.InstallRustup {
		return nil
	}
	return p.Installer.InstallRust(ctx)
}

func (p *Pipeline) installOpenSSL(ctx context.Context, st *pipelineState) error {
	if !p.Config.InstallOpenSSL {
		return nil
	}
	loc, err := p.Installer.InstallOpenSSL(ctx)
	if err != nil {
		return err
	}
	st.openSSL = loc
	return nil
}

func (p *Pipeline) setup(ctx context.Context, st *pipelineState) error {
	if p.Config.SkipSystemSetup {
		return nil
	}
	setup := p.setupSystem
	if setup == nil {
		setup = SetupSystem
	}
	step(p.Stdout, "Installing cross toolchains")
	return setup(ctx, p.Runner, p.triples())
}

func (p *Pipeline) build(ctx context.Context, st *pipelineState) error {
	m := &Matrix{
		Runner:      p.Runner,
		Packages:    p.Config.Packages,
		Triples:     p.triples(),
		OpenSSL:     st.openSSL,
		Incremental: p.Config.Cache,
		Stdout:      p.Stdout,
	}
	return m.Run(ctx)
}

func (p *Pipeline) stageArtifacts(ctx context.Context, st *pipelineState) error {
	s := &Stager{
		Runner:    p.Runner,
		Packages:  p.Config.Packages,
		Triples:   p.triples(),
		TargetDir: p.Config.abs(p.Config.TargetDir),
		OutputDir: p.Config.abs(p.Config.OutputDir),
		Stdout:    p.Stdout,
	}
	return s.Stage(ctx)
}

// saveCache stores the build state under the key computed before restore.
// A build that rewrote a lock file is still saved under the original key.
func (p *Pipeline) saveCache(ctx context.Context, st *pipelineState) error {
	if !p.Config.Cache {
		return nil
	}
	if st.restored == st.key.Primary {
		step(p.Stdout, "Cache hit occurred on the primary key %s, not saving cache", st.key.Primary)
		return nil
	}
	if token, err := LockToken(p.Config.Workspace, p.Config.abs(p.Config.TargetDir), p.Config.Hash); err != nil {
		log.Warnf(ctx, "Re-hashing lock files: %v", err)
	} else if token != st.lockDigest {
		log.Warnf(ctx, "Lock files changed during the build; saving under the original key %s", st.key.Primary)
	}
	step(p.Stdout, "Saving cache with key: %s", st.key.Primary)
	return p.Store.Save(ctx, p.Config.CachePaths(), st.key.Primary)
}
