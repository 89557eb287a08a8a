// Package subprocess runs external tools from an argument vector and reports
// a typed result. Commands are never passed through a shell.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command describes one tool invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Diagnostic returns the most useful text the tool printed, preferring stderr.
func (r Result) Diagnostic() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// ExitError reports a process that could not start or exited non-zero.
type ExitError struct {
	Command Command
	Result  Result
	Err     error
}

func (e *ExitError) Error() string {
	if d := e.Result.Diagnostic(); d != "" {
		return fmt.Sprintf("subprocess: %s exited with code %d: %s", e.Command.Path, e.Result.ExitCode, d)
	}
	return fmt.Sprintf("subprocess: %s failed: %v", e.Command.Path, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner is the seam the tool wrappers depend on.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Result{ExitCode: -1}, &ExitError{Command: c, Result: Result{ExitCode: -1}, Err: errors.New("empty command path")}
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		// exec.CommandContext may surface "signal: killed" instead of context cancellation.
		res.ExitCode = -1
		return res, &ExitError{Command: c, Result: res, Err: ctx.Err()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	return res, &ExitError{Command: c, Result: res, Err: err}
}
