package crossbuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the configuration file looked up in the workspace root
// when no explicit path is given.
const ConfigFile = "crossbuild.yaml"

// ErrNoPackages is returned when the package input names no build units.
var ErrNoPackages = errors.New("no build binary specified")

// ConfigError reports an invalid or missing input.
type ConfigError struct {
	Input string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("input %q: %v", e.Input, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the pipeline configuration, resolved once at startup.
type Config struct {
	// Values holds the raw merged inputs keyed by input name
	// (e.g. "install-rustup"), plus R2_* credentials under their own names.
	Values map[string]string

	Workspace        string   // workspace root; GITHUB_WORKSPACE or the executable's directory
	Packages         []string // build units, in the order given
	InstallRustup    bool     // default false
	InstallOpenSSL   bool     // default false
	Cache            bool     // default false
	CacheKey         string   // platform identifier; required when Cache is set
	CacheBackend     string   // "local" (default) or "r2"
	CacheDir         string   // local backend directory
	CacheCompression string   // "zstd" (default) or "gzip"
	Hash             Digest   // lock digest algorithm, default sha256
	SkipSystemSetup  bool     // default false
	OutputDir        string   // default ".out", relative to Workspace
	TargetDir        string   // default "target", relative to Workspace
	CargoHome        string   // CARGO_HOME or ~/.cargo
	Debug            bool
}

var packageNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// loadConfig reads the YAML configuration at path (a missing file is not an
// error) and merges the action inputs and CROSSBUILD_* overrides found in
// environ on top of it.
func loadConfig(path string, environ []string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileValues map[string]string
		if err := yaml.Unmarshal(data, &fileValues); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range fileValues {
			cfg.Values[strings.ToLower(k)] = v
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	mergeEnvOverrides(cfg, environ)
	return cfg, nil
}

// mergeEnvOverrides copies INPUT_* (action inputs), CROSSBUILD_* overrides
// and R2_* credentials from environ into cfg.Values.
// CROSSBUILD_* wins over INPUT_* regardless of order in environ.
func mergeEnvOverrides(cfg *Config, environ []string) {
	overrides := make(map[string]string)
	for _, kv := range environ {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(name, "INPUT_"):
			cfg.Values[inputName(strings.TrimPrefix(name, "INPUT_"))] = strings.TrimSpace(val)
		case strings.HasPrefix(name, "CROSSBUILD_"):
			overrides[inputName(strings.TrimPrefix(name, "CROSSBUILD_"))] = val
		case strings.HasPrefix(name, "R2_"):
			cfg.Values[name] = val
		case name == "GITHUB_WORKSPACE" || name == "CARGO_HOME":
			cfg.Values[name] = val
		}
	}
	for k, v := range overrides {
		cfg.Values[k] = v
	}
}

// inputName maps an environment variable suffix to an input name:
// INSTALL_RUSTUP and INSTALL-RUSTUP both become install-rustup.
func inputName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

// parseBoolInput interprets a boolean input the way action inputs are
// written (YAML 1.2 core schema). Anything unrecognized is false.
func parseBoolInput(s string) (value bool, ok bool) {
	switch strings.TrimSpace(s) {
	case "true", "True", "TRUE":
		return true, true
	case "false", "False", "FALSE":
		return false, true
	default:
		return false, false
	}
}

// splitPackages splits the comma-delimited package input,
// dropping surrounding whitespace and empty entries.
func splitPackages(s string) []string {
	var pkgs []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs
}

// initConfig resolves cfg.Values into the typed fields.
// It does not enforce required inputs; see [Config.Validate].
func initConfig(cfg *Config) error {
	v := cfg.Values

	cfg.Workspace = v["workspace"]
	if cfg.Workspace == "" {
		cfg.Workspace = v["GITHUB_WORKSPACE"]
	}
	if cfg.Workspace == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate workspace: %w", err)
		}
		cfg.Workspace = filepath.Dir(exe)
	}
	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("locate workspace: %w", err)
	}
	cfg.Workspace = ws

	cfg.Packages = splitPackages(v["package"])
	cfg.InstallRustup = boolInput(v, "install-rustup")
	cfg.InstallOpenSSL = boolInput(v, "install-openssl")
	cfg.Cache = boolInput(v, "cache")
	cfg.SkipSystemSetup = boolInput(v, "skip-system-setup")
	cfg.Debug = boolInput(v, "debug") || v["debug"] == "1"
	cfg.CacheKey = strings.TrimSpace(v["cache-key"])

	cfg.CacheBackend = v["cache-backend"]
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "local"
	}
	switch cfg.CacheBackend {
	case "local", "r2":
	default:
		return &ConfigError{Input: "cache-backend", Err: fmt.Errorf("unknown backend %q", cfg.CacheBackend)}
	}

	cfg.CacheCompression = v["cache-compression"]
	if cfg.CacheCompression == "" {
		cfg.CacheCompression = "zstd"
	}
	if _, ok := snapshotExtensions[cfg.CacheCompression]; !ok {
		return &ConfigError{Input: "cache-compression", Err: fmt.Errorf("unknown compression %q", cfg.CacheCompression)}
	}

	cfg.Hash = DigestSHA256
	if h := v["hash"]; h != "" {
		cfg.Hash = Digest(strings.ToLower(h))
	}
	if _, err := cfg.Hash.new(); err != nil {
		return &ConfigError{Input: "hash", Err: err}
	}

	cfg.OutputDir = v["output-dir"]
	if cfg.OutputDir == "" {
		cfg.OutputDir = ".out"
	}
	cfg.TargetDir = v["target-dir"]
	if cfg.TargetDir == "" {
		cfg.TargetDir = "target"
	}

	cfg.CacheDir = v["cache-dir"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, "crossbuild")
	}

	cfg.CargoHome = v["CARGO_HOME"]
	if cfg.CargoHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.CargoHome = filepath.Join(home, ".cargo")
		}
	}
	return nil
}

func boolInput(v map[string]string, name string) bool {
	b, _ := parseBoolInput(v[name])
	return b
}

// Validate checks the inputs a pipeline run requires.
func (cfg *Config) Validate() error {
	if len(cfg.Packages) == 0 {
		return &ConfigError{Input: "package", Err: ErrNoPackages}
	}
	for _, p := range cfg.Packages {
		if !packageNameRE.MatchString(p) {
			return &ConfigError{Input: "package", Err: fmt.Errorf("invalid package name %q", p)}
		}
	}
	if cfg.Cache && cfg.CacheKey == "" {
		return &ConfigError{Input: "cache-key", Err: errors.New("required when cache is enabled")}
	}
	return nil
}

// abs resolves a workspace-relative path.
func (cfg *Config) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Workspace, path)
}

// CachePaths lists the directories persisted by the cache store:
// the build scratch directory and cargo's package caches.
func (cfg *Config) CachePaths() []string {
	paths := []string{cfg.abs(cfg.TargetDir)}
	if cfg.CargoHome != "" {
		paths = append(paths,
			filepath.Join(cfg.CargoHome, "bin"),
			filepath.Join(cfg.CargoHome, "registry", "index"),
			filepath.Join(cfg.CargoHome, "registry", "cache"),
			filepath.Join(cfg.CargoHome, "git", "db"),
		)
	}
	return paths
}
