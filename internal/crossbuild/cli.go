package crossbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

// globalOptions holds the flags shared by every command.
type globalOptions struct {
	configPath string
	flags      *pflag.FlagSet
}

// Main is the CLI entrypoint for cmd/crossbuild.
func Main() {
	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(false)
		reportError(err)
		os.Exit(1)
	}
}

// reportError prints err the way every fatal pipeline error is shown.
func reportError(err error) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Err != nil {
		log.Debugf(context.Background(), "%v", cmdErr.Err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", color.LightRed.Sprint("ERROR"), err)
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "crossbuild: ", log.StdFlags, nil),
		})
	})
}

func newRootCommand() *cobra.Command {
	g := new(globalOptions)
	root := &cobra.Command{
		Use:           "crossbuild",
		Short:         "cross-compile Rust packages for aarch64 and x86_64 Linux",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	g.flags = root.PersistentFlags()
	g.flags.StringVar(&g.configPath, "config", "", "`path` to configuration file (default <workspace>/"+ConfigFile+")")
	g.flags.String("workspace", "", "workspace root `dir`ectory (default $GITHUB_WORKSPACE)")
	g.flags.String("package", "", "comma-separated `list` of packages to build")
	g.flags.Bool("install-rustup", false, "install the Rust toolchain with rustup")
	g.flags.Bool("install-openssl", false, "install OpenSSL for aarch64 cross-linking")
	g.flags.Bool("cache", false, "restore and save build state")
	g.flags.String("cache-key", "", "platform `identifier` prefixing cache keys")
	g.flags.String("cache-backend", "", "cache backend: local or r2")
	g.flags.String("cache-dir", "", "`dir`ectory for the local cache backend")
	g.flags.String("cache-compression", "", "snapshot compression: zstd or gzip")
	g.flags.String("hash", "", "lock file digest: sha256 or blake3")
	g.flags.Bool("skip-system-setup", false, "do not install cross linkers or rustup targets")
	g.flags.String("output-dir", "", "output `dir`ectory for stripped binaries")
	g.flags.String("target-dir", "", "cargo target `dir`ectory")
	g.flags.Bool("debug", false, "show debugging output")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), g)
	}
	root.AddCommand(
		newRunCommand(g),
		newKeyCommand(g),
		newCacheCommand(g),
		newVersionCommand(),
	)
	return root
}

// config resolves the configuration: file, then environment, then flags.
func (g *globalOptions) config() (*Config, error) {
	path := g.configPath
	if path == "" {
		ws, _ := g.flags.GetString("workspace")
		if ws == "" {
			ws = os.Getenv("GITHUB_WORKSPACE")
		}
		if ws == "" {
			if exe, err := os.Executable(); err == nil {
				ws = filepath.Dir(exe)
			}
		}
		path = filepath.Join(ws, ConfigFile)
	}

	cfg, err := loadConfig(path, os.Environ())
	if err != nil {
		return nil, err
	}
	g.flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed && f.Name != "config" {
			cfg.Values[f.Name] = f.Value.String()
		}
	})
	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	initLogging(cfg.Debug)
	return cfg, nil
}

func newStore(ctx context.Context, cfg *Config) (CacheStore, error) {
	switch cfg.CacheBackend {
	case "r2":
		client, err := NewR2Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &R2Store{Client: client, Compression: cfg.CacheCompression}, nil
	default:
		return &LocalStore{Dir: cfg.CacheDir, Compression: cfg.CacheCompression}, nil
	}
}

func newRunCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:                   "run [options]",
		Short:                 "build, strip and stage all packages (default)",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), g)
		},
	}
}

func runPipeline(ctx context.Context, g *globalOptions) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	log.Debugf(ctx, "crossbuild %s (%s) in %s", version, buildDate, cfg.Workspace)

	var store CacheStore
	if cfg.Cache {
		store, err = newStore(ctx, cfg)
		if err != nil {
			return err
		}
	}
	runner := &Executor{Dir: cfg.Workspace}
	p := &Pipeline{
		Config: cfg,
		Runner: runner,
		Store:  store,
		Installer: &Installer{
			Runner:    runner,
			Workspace: cfg.Workspace,
			TargetDir: cfg.TargetDir,
			Stdout:    os.Stdout,
			Progress:  os.Stderr,
			Quiet:     !isTerminal(os.Stderr),
		},
		Stdout: os.Stdout,
	}
	return p.Run(ctx)
}

func newKeyCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:                   "key [options]",
		Short:                 "print the cache key for the workspace",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.CacheKey == "" {
				return &ConfigError{Input: "cache-key", Err: errors.New("required to compute a key")}
			}
			token, err := LockToken(cfg.Workspace, cfg.abs(cfg.TargetDir), cfg.Hash)
			if err != nil {
				return err
			}
			key := NewCacheKey(cfg.CacheKey, token)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key: %s\n", key.Primary)
			for _, p := range key.RestorePrefixes {
				fmt.Fprintf(out, "restore-key: %s\n", p)
			}
			return nil
		},
	}
}

func newCacheCommand(g *globalOptions) *cobra.Command {
	c := &cobra.Command{
		Use:           "cache",
		Short:         "inspect cached build state",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	c.AddCommand(&cobra.Command{
		Use:                   "list [options]",
		Short:                 "list snapshots in the configured store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			store, err := newStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			lister, ok := store.(SnapshotLister)
			if !ok {
				return fmt.Errorf("%s cache backend cannot list snapshots", cfg.CacheBackend)
			}
			snaps, err := lister.List(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshots(cmd.OutOrStdout(), snaps)
			return nil
		},
	}, &cobra.Command{
		Use:                   "inspect ARCHIVE",
		Short:                 "list the entries of a snapshot archive",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			compression, err := compressionForName(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return listSnapshot(f, compression, cmd.OutOrStdout())
		},
	})
	return c
}

func printSnapshots(w io.Writer, snaps []Snapshot) {
	if len(snaps) == 0 {
		cFprintf(w, colWarn, "No cached snapshots.\n")
		return
	}
	snaps = slices.Clone(snaps)
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return b.ModTime.Compare(a.ModTime)
	})
	width := 0
	for _, s := range snaps {
		width = max(width, len(s.Key))
	}
	for _, s := range snaps {
		fmt.Fprintf(w, "%s%s  %9s  %s\n",
			colInfo.Sprint(s.Key), strings.Repeat(" ", width-len(s.Key)),
			humanReadableSize(s.Size), s.ModTime.Local().Format("2006-01-02 15:04:05"))
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "crossbuild %s (built %s)\n", version, buildDate)
			return nil
		},
	}
}
