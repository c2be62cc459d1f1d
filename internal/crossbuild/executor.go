package crossbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// Runner executes a shell command to completion. Implementations must
// return a non-nil error whenever the command could not be started or exited
// with a non-zero status.
type Runner interface {
	Run(ctx context.Context, command string, env Env) error
}

// CommandError reports a command that failed to start or exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int // -1 when the command never started
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command didn't exit successfully(%d): %s", e.ExitCode, e.Command)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Executor runs commands through sh with the caller's standard streams.
type Executor struct {
	Shell  string    // defaults to "sh"
	Dir    string    // working directory; empty means the current one
	Stdin  io.Reader // defaults to os.Stdin
	Stdout io.Writer // defaults to os.Stdout
	Stderr io.Writer // defaults to os.Stderr
}

// Run executes command via "sh -c", waiting for it to exit.
// The child is isolated in its own process group so that cancelling ctx
// takes down everything it spawned, not just the shell.
func (e *Executor) Run(ctx context.Context, command string, env Env) error {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = e.Dir
	cmd.Env = env.Apply(os.Environ())
	cmd.Stdin = e.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = e.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if keys := env.Keys(); len(keys) > 0 {
		log.Debugf(ctx, "Running %q with overlay %v", command, keys)
	} else {
		log.Debugf(ctx, "Running %q", command)
	}

	if err := cmd.Start(); err != nil {
		return &CommandError{Command: command, ExitCode: -1, Err: err}
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	if err := cmd.Wait(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("command aborted: %w", ctxErr)
		}
		return &CommandError{Command: command, ExitCode: code, Err: err}
	}
	return nil
}
