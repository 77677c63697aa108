package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"appdeck/pkg/cmdutil"
)

// ExecutionResult represents the result of running a command
type ExecutionResult struct {
	ReturnCode int
	Output     string
	Duration   time.Duration
}

// OK checks if the execution was successful
func (r *ExecutionResult) OK() bool {
	return r.ReturnCode == 0
}

// Executor runs pipeline commands, streaming their output line by line
// with secrets redacted.
type Executor struct {
	runner  cmdutil.Runner
	timeout time.Duration
}

// NewExecutor creates an executor. A zero timeout means steps may run
// for as long as they need.
func NewExecutor(runner cmdutil.Runner, timeout time.Duration) *Executor {
	return &Executor{runner: runner, timeout: timeout}
}

// StepOptions describes where and how a step runs.
type StepOptions struct {
	Dir     string
	Env     []string
	Secrets []string
	// Log receives every redacted output line.
	Log func(string)
}

// RunCommand executes argv and reports its redacted output.
func (e *Executor) RunCommand(ctx context.Context, command []string, opts StepOptions) (*ExecutionResult, error) {
	onLine := func(line string) {
		if opts.Log != nil {
			opts.Log(string(cmdutil.SanitizeOutput([]byte(line), opts.Secrets)))
		}
	}

	result, err := e.runner.Run(ctx, cmdutil.ExecOptions{
		Dir:            opts.Dir,
		Timeout:        e.timeout,
		Env:            opts.Env,
		CombinedOutput: true,
		OnLine:         onLine,
	}, command)

	execResult := &ExecutionResult{ReturnCode: -1}
	if result != nil {
		execResult.ReturnCode = result.ExitCode
		execResult.Duration = result.Duration
		execResult.Output = string(cmdutil.SanitizeOutput(result.Output, opts.Secrets))
	}
	return execResult, err
}

// stepOutputLines is how much of a failed step's output its error keeps.
const stepOutputLines = 20

// RunStep runs a user-supplied command string such as an install or
// build command. The error names the step and carries the exit code and
// the tail of the redacted output.
func (e *Executor) RunStep(ctx context.Context, step, command string, opts StepOptions) error {
	parts, err := cmdutil.ShellCommand(command)
	if err != nil {
		return fmt.Errorf("failed to parse %s command: %w", step, err)
	}

	result, err := e.RunCommand(ctx, parts, opts)
	if err != nil && result.ReturnCode <= 0 {
		return fmt.Errorf("%s command failed: %w (command: %s)", step, err, command)
	}
	if !result.OK() {
		msg := fmt.Sprintf("%s command exited with code %d (command: %s)", step, result.ReturnCode, command)
		if out := tailLines(result.Output, stepOutputLines); out != "" {
			msg += ": " + out
		}
		return errors.New(msg)
	}
	return nil
}

// Clone makes a shallow single-branch clone of repository into dest.
func (e *Executor) Clone(ctx context.Context, repository, branch, dest string, opts StepOptions) error {
	cmd := []string{"git", "clone", "--depth", "1", "--single-branch", "--branch", branch, repository, dest}
	opts.Env = append(opts.Env, "GIT_TERMINAL_PROMPT=0")

	result, err := e.RunCommand(ctx, cmd, opts)
	if err != nil || !result.OK() {
		msg := lastLine(result.Output)
		if msg == "" && err != nil {
			msg = err.Error()
		}
		return fmt.Errorf("git clone failed: %s", msg)
	}
	return nil
}

// HeadCommit returns the hash and subject of HEAD in dir.
func (e *Executor) HeadCommit(ctx context.Context, dir string) (hash, subject string, err error) {
	result, err := e.runner.Run(ctx, cmdutil.ExecOptions{
		Dir:     dir,
		Timeout: 30 * time.Second,
	}, []string{"git", "log", "-1", "--format=%H%n%s"})
	if err != nil {
		return "", "", fmt.Errorf("git log failed: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(result.Stdout)), "\n", 2)
	hash = strings.TrimSpace(lines[0])
	if len(lines) > 1 {
		subject = strings.TrimSpace(lines[1])
	}
	if hash == "" {
		return "", "", fmt.Errorf("git log returned no commit")
	}
	return hash, subject, nil
}

func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
