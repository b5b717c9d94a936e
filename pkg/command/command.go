// Package command runs external programs (metadata strippers, model
// wrappers) behind a narrow, synchronous port with explicit timeout and
// retry policy.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
)

// Result holds the output and exit status of one command execution
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a program and waits for it to finish
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (*Result, error)
}

// Options configures command execution behavior
type Options struct {
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after a failed run.
	MaxRetries uint64
	RetryDelay time.Duration
}

// Option is a function that modifies Options
type Option func(*Options)

// WithTimeout bounds every attempt
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRetry configures retry behavior
func WithRetry(maxRetries uint64, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// Executor is the os/exec backed Runner
type Executor struct {
	options Options
}

// New creates an Executor. Without options a command runs once with no
// timeout, so a hung program blocks the caller.
func New(opts ...Option) *Executor {
	o := Options{RetryDelay: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return &Executor{options: o}
}

// Run implements Runner
func (e *Executor) Run(ctx context.Context, program string, args ...string) (*Result, error) {
	var last *Result

	backoff := retry.WithMaxRetries(e.options.MaxRetries, retry.NewConstant(e.options.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := e.runOnce(ctx, program, args)
		last = result
		if err == nil {
			return nil
		}
		// A missing binary or a cancelled context will not fix itself.
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

func (e *Executor) runOnce(ctx context.Context, program string, args []string) (*Result, error) {
	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	if err != nil {
		return result, fmt.Errorf("command %s failed: %w", filepath.Base(program), err)
	}
	return result, nil
}

// Resolve finds an executable: an existing absolute or relative path is used
// as-is, anything else is looked up on PATH. It returns "" when nothing
// matches.
func Resolve(name string) string {
	if name == "" {
		return ""
	}
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
