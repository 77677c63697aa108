package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains extra environment variables for the command, appended to
	// the current process environment. Each entry should be "KEY=value".
	Env []string

	// CombinedOutput determines if stdout and stderr are combined.
	CombinedOutput bool

	// OnLine, when set, receives every complete output line as it is
	// produced. Only used with CombinedOutput.
	OnLine func(line string)
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout is the standard output (only if CombinedOutput is false).
	Stdout []byte

	// Stderr is the standard error (only if CombinedOutput is false).
	Stderr []byte

	// Output is the combined stdout and stderr (only if CombinedOutput is true).
	Output []byte

	// ExitCode is the exit code of the command.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// Text returns the most useful output of the command as a trimmed string.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if len(r.Output) > 0 {
		return strings.TrimSpace(string(r.Output))
	}
	if len(r.Stderr) > 0 {
		return strings.TrimSpace(string(r.Stderr))
	}
	return strings.TrimSpace(string(r.Stdout))
}

// Runner runs external commands. Components take a Runner so tests can
// substitute canned output for systemctl, caddy, git and friends.
type Runner interface {
	Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error)
	Stream(ctx context.Context, opts ExecOptions, cmdParts []string, onChunk func([]byte)) (stop func(), err error)
}

// OSRunner executes commands on the host.
type OSRunner struct{}

// Run implements Runner.
func (OSRunner) Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	return Run(ctx, opts, cmdParts)
}

// Stream implements Runner.
func (OSRunner) Stream(ctx context.Context, opts ExecOptions, cmdParts []string, onChunk func([]byte)) (func(), error) {
	return Stream(ctx, opts, cmdParts, onChunk)
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments).
// Returns the result or an error if the command fails.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return &Result{ExitCode: -1}, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	start := time.Now()

	var result Result
	var err error

	if opts.CombinedOutput {
		var buf bytes.Buffer
		var w io.Writer = &buf
		var lw *lineWriter
		if opts.OnLine != nil {
			lw = &lineWriter{fn: opts.OnLine}
			w = io.MultiWriter(&buf, lw)
		}
		cmd.Stdout = w
		cmd.Stderr = w
		err = cmd.Run()
		if lw != nil {
			lw.Flush()
		}
		result.Output = buf.Bytes()
	} else {
		result.Stdout, err = cmd.Output()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Stderr = exitErr.Stderr
		}
	}

	result.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else if err != nil {
		result.ExitCode = -1
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &result, fmt.Errorf("command timed out after %s: %w", opts.Timeout, ctx.Err())
	}
	if err != nil {
		return &result, fmt.Errorf("command failed: %w", err)
	}

	return &result, nil
}

// Stream starts a long-lived command and calls onChunk for every read from
// its combined output. The returned stop function kills the process and
// waits for it; calling it more than once is a no-op.
func Stream(ctx context.Context, opts ExecOptions, cmdParts []string, onChunk func([]byte)) (func(), error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	cmd.WaitDelay = time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", cmdParts[0], err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if err != nil {
				return
			}
		}
	}()

	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
		close(waited)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-waited
			<-done
		})
	}
	return stop, nil
}

// lineWriter splits written bytes into lines.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// ParseCommandString parses a shell-quoted command string into parts.
// This is useful when commands are stored as strings with proper quoting.
//
// Example:
//
//	"git commit -m \"my message\"" -> ["git", "commit", "-m", "my message"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// NeedsShell reports whether a command string relies on shell features
// (pipes, chaining, redirects, expansion) and must run through sh -c.
func NeedsShell(cmdStr string) bool {
	return strings.ContainsAny(cmdStr, "|&;<>$`*?(){}")
}

// ShellCommand turns a user-supplied command string into argv. Plain
// commands are split with shell quoting rules; anything using shell
// features is wrapped in "sh -c".
func ShellCommand(cmdStr string) ([]string, error) {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil, fmt.Errorf("empty command string")
	}
	if NeedsShell(cmdStr) {
		return []string{"/bin/sh", "-c", cmdStr}, nil
	}
	return ParseCommandString(cmdStr)
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
// This is useful for logging command output without exposing secrets.
func SanitizeOutput(output []byte, secrets []string) []byte {
	sanitized := string(output)
	for _, secret := range secrets {
		if len(secret) >= 4 {
			sanitized = strings.ReplaceAll(sanitized, secret, "***REDACTED***")
		}
	}
	return []byte(sanitized)
}
