package crossbuild

import (
	"context"
	"os"
	"strings"
)

// setupCommands returns the commands that install the cross linkers and
// the rustup targets for triples. sudo is dropped when already root and
// never prompts otherwise.
func setupCommands(triples []Triple, isRoot bool) []string {
	sudo := "sudo -n "
	if isRoot {
		sudo = ""
	}
	var aptPkgs, targets []string
	for _, t := range triples {
		aptPkgs = append(aptPkgs, t.AptPackage)
		targets = append(targets, t.Name)
	}
	return []string{
		sudo + "apt-get update",
		sudo + "apt-get install " + strings.Join(aptPkgs, " ") + " -y",
		"rustup target add " + strings.Join(targets, " "),
	}
}

// SetupSystem installs the cross toolchains through the system package
// manager and registers the Rust targets.
func SetupSystem(ctx context.Context, r Runner, triples []Triple) error {
	for _, cmd := range setupCommands(triples, os.Geteuid() == 0) {
		if err := r.Run(ctx, cmd, nil); err != nil {
			return err
		}
	}
	return nil
}
