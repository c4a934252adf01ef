// Package runner executes external tools (firewall frontends, npm audit)
// with a timeout and captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ErrNotFound is returned when the binary of a Command is not installed.
var ErrNotFound = errors.New("executable not found")

// DefaultTimeout applies to commands with no Timeout set.
const DefaultTimeout = 30 * time.Second

type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to the environment of the current process
	Dir     string
	Timeout time.Duration
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs a command until it ends. A non zero exit code is not an error,
// because audit tools report findings that way. Err is returned when the
// command could not be started, was not found or did time out.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands on the local host.
type Exec struct {
	LookPath func(string) (string, error)
}

func NewExec() Exec {
	return Exec{LookPath: exec.LookPath}
}

func (e Exec) Run(ctx context.Context, proto Command) (Result, error) {
	lookPath := e.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(proto.Path)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", proto.Path, ErrNotFound)
	}

	timeout := proto.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, proto.Args...)
	cmd.Dir = proto.Dir
	// children holding the output pipes must not outlive the timeout
	cmd.WaitDelay = time.Second
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{
		Path:    path,
		Args:    append([]string(nil), proto.Args...),
		Started: time.Now().UTC(),
	}
	slog.DebugContext(ctx, "exec", "path", path, "args", proto.Args, "dir", proto.Dir)
	err = cmd.Run()
	res.Stopped = time.Now().UTC()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", proto.Path, ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("%s: %w", proto.Path, err)
	}
	return res, nil
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, cmd Command) (Result, error)

func (f Func) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}
