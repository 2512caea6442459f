package tools

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrInvalidSandboxToken is returned when a command is submitted without the
// configured sandbox token.
var ErrInvalidSandboxToken = errors.New("invalid sandbox token")

// CommandRequest is a shell command to run in the sandbox.
type CommandRequest struct {
	Command string
	Dir     string
	Timeout time.Duration
}

// CommandResult is the outcome of a sandboxed command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Sandbox executes commands. Every call carries the token the sandbox
// validates before running anything.
type Sandbox interface {
	Exec(ctx context.Context, token string, req CommandRequest) (*CommandResult, error)
}

// LocalSandbox runs commands with sh on the host, inside the workspace. It is
// meant for development; production deployments point at an isolated runner.
type LocalSandbox struct {
	workspace *Workspace
	token     string
	maxOutput int
}

// NewLocalSandbox creates a sandbox that accepts only token.
func NewLocalSandbox(ws *Workspace, token string) *LocalSandbox {
	return &LocalSandbox{workspace: ws, token: token, maxOutput: 1 << 20}
}

// Exec runs req.Command after checking token.
func (s *LocalSandbox) Exec(ctx context.Context, token string, req CommandRequest) (*CommandResult, error) {
	if s.token == "" || subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) != 1 {
		return nil, ErrInvalidSandboxToken
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	dir := s.workspace.Root()
	if req.Dir != "" {
		resolved, err := s.workspace.Resolve(req.Dir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = dir
	stdout := &cappedBuffer{max: s.maxOutput}
	stderr := &cappedBuffer{max: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output capped]"
	}
	return b.buf.String()
}
