// Package executor runs external commands and captures their output.
//
// A nonzero exit status is not an error: the caller receives the exit code
// inside the Result and decides what it means. The error return is reserved
// for failures to launch the process at all (missing binary, cancelled
// context), which can be checked against ErrLaunch with errors.Is().
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ErrLaunch is returned when a command could not be started at all,
// as opposed to starting and exiting with a nonzero status.
var ErrLaunch = errors.New("failed to launch command")

// Result holds the captured output and exit status of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr concatenated, for diagnostics.
func (r *Result) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner is the command execution seam. Production code uses Local;
// tests substitute fakes so no subprocess is ever spawned.
type Runner interface {
	// Run executes name with args in dir. A nonzero exit is reported
	// through the Result, not the error.
	Run(ctx context.Context, dir string, name string, args ...string) (*Result, error)
}

// Local executes commands as local subprocesses.
type Local struct {
	env map[string]string
	log *slog.Logger
}

// Option configures a Local runner.
type Option func(*Local)

// WithLogger sets the logger used to record invoked command lines.
func WithLogger(log *slog.Logger) Option {
	return func(l *Local) {
		l.log = log
	}
}

// WithEnvVar appends an environment variable to every command's environment.
func WithEnvVar(key, value string) Option {
	return func(l *Local) {
		if l.env == nil {
			l.env = make(map[string]string)
		}
		l.env[key] = value
	}
}

// New creates a Local runner.
func New(opts ...Option) *Local {
	l := &Local{
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run implements Runner.
//
// Context timeout/cancellation is honored; a command killed by context
// cancellation is reported as a launch failure.
func (l *Local) Run(ctx context.Context, dir string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(l.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range l.env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.log.Debug("exec", "cmd", name+" "+strings.Join(args, " "), "dir", dir)

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %v: %w", name, ctxErr, ErrLaunch)
		}
		return nil, fmt.Errorf("%s: %v: %w", name, err, ErrLaunch)
	}

	return result, nil
}
