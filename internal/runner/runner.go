// File: internal/runner/runner.go
// Brief: Synchronous subprocess execution with timeouts.

// Package runner executes the external commands the update pipeline
// delegates to: hooks, migration scripts, post-update tests, cleanup
// commands, and condition probes. Every command runs synchronously under a
// timeout; an expired timeout kills the process and is reported the same
// way as a non-zero exit.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// Command describes one subprocess invocation.
type Command struct {
	// Line is the command line. Lines containing shell metacharacters run
	// under "sh -c"; plain lines are split into argv and executed directly.
	Line string
	// Args, when set, is the exact argv and takes precedence over Line.
	// Internally constructed invocations use it so operands with spaces
	// (paths, service names) survive as single arguments.
	Args    []string
	Timeout time.Duration
	Dir     string
	// Env entries are appended to the current process environment.
	Env []string
}

// Result captures the observable outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// OK reports whether the command exited zero within its timeout.
func (r Result) OK() bool { return r.ExitCode == 0 && !r.TimedOut }

// Runner executes commands. The interface exists so pipeline tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec is the real Runner backed by os/exec.
type Exec struct{}

const defaultTimeout = 10 * time.Minute

// shellMeta marks command lines that need a shell rather than direct exec.
const shellMeta = "|&;<>()$`\\\"'*?[#~%{}"

// Run executes the command and returns its result. The error return is
// reserved for failures to start the process at all; a non-zero exit or a
// timeout is reported through the Result.
func (Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var proc *exec.Cmd
	if len(cmd.Args) > 0 {
		proc = exec.CommandContext(runCtx, cmd.Args[0], cmd.Args[1:]...)
	} else if strings.ContainsAny(cmd.Line, shellMeta) {
		proc = exec.CommandContext(runCtx, "sh", "-c", cmd.Line)
	} else {
		argv, err := shellwords.Parse(cmd.Line)
		if err != nil || len(argv) == 0 {
			proc = exec.CommandContext(runCtx, "sh", "-c", cmd.Line)
		} else {
			proc = exec.CommandContext(runCtx, argv[0], argv[1:]...)
		}
	}
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	res.ExitCode = 0
	return res, nil
}
