package crossbuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type recordedCommand struct {
	Command string
	Env     Env
}

// fakeRunner records commands instead of running them.
type fakeRunner struct {
	mu       sync.Mutex
	commands []recordedCommand
	// fail, if set, decides whether a command fails.
	fail func(command string) error
	// effect, if set, simulates the command's side effects.
	effect func(command string) error
}

func (f *fakeRunner) Run(ctx context.Context, command string, env Env) error {
	f.mu.Lock()
	f.commands = append(f.commands, recordedCommand{Command: command, Env: env})
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(command); err != nil {
			return err
		}
	}
	if f.effect != nil {
		return f.effect(command)
	}
	return nil
}

// matching returns the recorded commands starting with prefix.
func (f *fakeRunner) matching(prefix string) []recordedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCommand
	for _, c := range f.commands {
		if strings.HasPrefix(c.Command, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func commandStrings(cmds []recordedCommand) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Command
	}
	return out
}

// simulateStrip writes a placeholder for the -o target of strip commands.
func simulateStrip(command string) error {
	fields := strings.Fields(command)
	if len(fields) < 4 || !strings.HasSuffix(fields[0], "-strip") {
		return nil
	}
	dst := fields[len(fields)-1]
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(fields[1]), 0o755)
}

// failOn returns a fail function rejecting commands containing substr.
func failOn(substr string, code int) func(string) error {
	return func(command string) error {
		if strings.Contains(command, substr) {
			return &CommandError{Command: command, ExitCode: code}
		}
		return nil
	}
}
