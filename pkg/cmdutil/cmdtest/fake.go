// Package cmdtest provides a scripted cmdutil.Runner for tests.
package cmdtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"appdeck/pkg/cmdutil"
)

// Response is the canned outcome of a matched command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
	// Do runs before the response is returned, e.g. to create files a
	// real command would have produced.
	Do func(opts cmdutil.ExecOptions, parts []string) error
}

// Call is one recorded invocation.
type Call struct {
	Opts  cmdutil.ExecOptions
	Parts []string
}

// String returns the space-joined command.
func (c Call) String() string {
	return strings.Join(c.Parts, " ")
}

type rule struct {
	prefix string
	resp   Response
}

// Runner matches commands by prefix and records every call. Commands
// without a rule succeed with empty output.
type Runner struct {
	mu      sync.Mutex
	rules   []rule
	calls   []Call
	streams []*Stream
}

// New returns an empty Runner.
func New() *Runner {
	return &Runner{}
}

// On registers resp for commands starting with prefix. Later rules take
// precedence over earlier ones.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, resp: resp})
	return r
}

// Fail is shorthand for a command exiting 1 with output.
func (r *Runner) Fail(prefix, output string) *Runner {
	return r.On(prefix, Response{Output: output, ExitCode: 1, Err: fmt.Errorf("exit status 1")})
}

func (r *Runner) match(cmd string) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(cmd, r.rules[i].prefix) {
			return r.rules[i].resp, true
		}
	}
	return Response{}, false
}

// Run implements cmdutil.Runner.
func (r *Runner) Run(ctx context.Context, opts cmdutil.ExecOptions, parts []string) (*cmdutil.Result, error) {
	call := Call{Opts: opts, Parts: append([]string(nil), parts...)}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	resp, _ := r.match(call.String())
	if resp.Do != nil {
		if err := resp.Do(opts, parts); err != nil {
			return &cmdutil.Result{ExitCode: 1, Output: []byte(err.Error())}, err
		}
	}

	if opts.OnLine != nil && resp.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(resp.Output, "\n"), "\n") {
			opts.OnLine(line)
		}
	}

	result := &cmdutil.Result{ExitCode: resp.ExitCode}
	if opts.CombinedOutput {
		result.Output = []byte(resp.Output)
	} else {
		result.Stdout = []byte(resp.Output)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, resp.Err
}

// Stream implements cmdutil.Runner. The stream stays open until stopped;
// use Streams to feed it data.
func (r *Runner) Stream(ctx context.Context, opts cmdutil.ExecOptions, parts []string, onChunk func([]byte)) (func(), error) {
	call := Call{Opts: opts, Parts: append([]string(nil), parts...)}
	s := &Stream{Call: call, onChunk: onChunk}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.streams = append(r.streams, s)
	r.mu.Unlock()

	return s.stop, nil
}

// Calls returns every recorded invocation in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns the recorded invocations as strings.
func (r *Runner) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Called reports whether any command started with prefix.
func (r *Runner) Called(prefix string) bool {
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Streams returns every stream started so far.
func (r *Runner) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stream(nil), r.streams...)
}

// Stream is a fake long-lived process.
type Stream struct {
	Call    Call
	onChunk func([]byte)

	mu    sync.Mutex
	stops int
}

// Emit delivers data unless the stream was stopped.
func (s *Stream) Emit(data string) {
	s.mu.Lock()
	stopped := s.stops > 0
	s.mu.Unlock()
	if !stopped {
		s.onChunk([]byte(data))
	}
}

func (s *Stream) stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

// Stopped reports whether stop was called at least once.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops > 0
}
