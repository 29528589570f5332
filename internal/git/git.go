// Package git runs git CLI commands against the league clone.
package git

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
)

// Error is a failed git invocation.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := "git " + strings.Join(e.Args, " ")
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes git with at most a fixed number of commands in flight.
// A nil *Runner runs commands without a limit.
type Runner struct {
	sem *semaphore.Weighted
	bin string
}

// NewRunner allows limit concurrent git commands. limit < 1 means 1.
func NewRunner(limit int) *Runner {
	return &Runner{sem: semaphore.NewWeighted(int64(max(limit, 1))), bin: "git"}
}

// Do runs fn while holding one slot. It returns ctx.Err() if ctx ends
// while waiting.
func (r *Runner) Do(ctx context.Context, fn func() error) error {
	if r == nil {
		return fn()
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return fn()
}

// Git runs `git args...` in dir and returns its stdout.
func (r *Runner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	err := r.Do(ctx, func() error {
		var err error
		out, err = r.exec(ctx, dir, args)
		return err
	})
	return out, err
}

func (r *Runner) exec(ctx context.Context, dir string, args []string) (string, error) {
	bin := "git"
	if r != nil && r.bin != "" {
		bin = r.bin
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &Error{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}
