package deployment

import (
	"context"
	"strings"
	"testing"
	"time"

	"appdeck/pkg/cmdutil"
	"appdeck/pkg/cmdutil/cmdtest"
)

func TestExecutor_RunCommand_Success(t *testing.T) {
	tmpDir := t.TempDir()
	executor := NewExecutor(cmdutil.OSRunner{}, 5*time.Second)

	var lines []string
	result, err := executor.RunCommand(context.Background(), []string{"echo", "test"}, StepOptions{
		Dir: tmpDir,
		Log: func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("RunCommand error: %v", err)
	}
	if !result.OK() {
		t.Errorf("Expected command to succeed, got return code %d", result.ReturnCode)
	}
	if result.Output != "test\n" {
		t.Errorf("Expected output 'test\\n', got %q", result.Output)
	}
	if len(lines) != 1 || lines[0] != "test" {
		t.Errorf("logged lines = %q, want [test]", lines)
	}
}

func TestExecutor_RunCommand_Failure(t *testing.T) {
	executor := NewExecutor(cmdutil.OSRunner{}, 5*time.Second)

	result, err := executor.RunCommand(context.Background(), []string{"false"}, StepOptions{Dir: t.TempDir()})
	if err == nil {
		t.Fatal("Expected RunCommand to return error for failed command")
	}
	if result.OK() {
		t.Error("Expected command to fail (non-zero exit code)")
	}
	if result.ReturnCode != 1 {
		t.Errorf("Expected return code 1, got %d", result.ReturnCode)
	}
}

func TestExecutor_RunCommand_Timeout(t *testing.T) {
	executor := NewExecutor(cmdutil.OSRunner{}, 200*time.Millisecond)

	result, err := executor.RunCommand(context.Background(), []string{"sleep", "10"}, StepOptions{Dir: t.TempDir()})
	if err == nil && result.OK() {
		t.Error("Expected timeout error or non-zero exit code")
	}
}

func TestExecutor_RunCommand_RedactsSecrets(t *testing.T) {
	runner := cmdtest.New().On("npm run build", cmdtest.Response{Output: "token=hunter2-secret\nok\n"})
	executor := NewExecutor(runner, 0)

	var lines []string
	result, err := executor.RunCommand(context.Background(), []string{"npm", "run", "build"}, StepOptions{
		Secrets: []string{"hunter2-secret"},
		Log:     func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("RunCommand error: %v", err)
	}

	for _, l := range append(lines, result.Output) {
		if strings.Contains(l, "hunter2-secret") {
			t.Errorf("secret leaked: %q", l)
		}
	}
	if lines[0] != "token=***REDACTED***" {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestExecutor_RunStep(t *testing.T) {
	tests := []struct {
		name    string
		command string
		runner  *cmdtest.Runner
		wantErr string
		wantCmd string
	}{
		{
			name:    "plain command",
			command: "npm install",
			runner:  cmdtest.New(),
			wantCmd: "npm install",
		},
		{
			name:    "shell features",
			command: "npm ci && npm run build",
			runner:  cmdtest.New(),
			wantCmd: "/bin/sh -c npm ci && npm run build",
		},
		{
			name:    "non-zero exit",
			command: "npm install",
			runner:  cmdtest.New().Fail("npm install", "ERR! missing package.json"),
			wantErr: "install command exited with code 1 (command: npm install): ERR! missing package.json",
			wantCmd: "npm install",
		},
		{
			name:    "long output keeps the tail",
			command: "npm install",
			runner:  cmdtest.New().Fail("npm install", strings.Repeat("noise\n", 40)+"ERR! last words"),
			wantErr: "noise\nERR! last words",
			wantCmd: "npm install",
		},
		{
			name:    "unparseable",
			command: `echo "unterminated`,
			runner:  cmdtest.New(),
			wantErr: "failed to parse install command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(tt.runner, 0)
			err := executor.RunStep(context.Background(), "install", tt.command, StepOptions{Dir: "/srv/apps/web"})

			if tt.wantErr == "" && err != nil {
				t.Fatalf("RunStep() error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("RunStep() error = %v, want %q", err, tt.wantErr)
			}
			if tt.wantCmd != "" {
				calls := tt.runner.Calls()
				if len(calls) != 1 || calls[0].String() != tt.wantCmd {
					t.Fatalf("calls = %v, want %q", tt.runner.Commands(), tt.wantCmd)
				}
				if calls[0].Opts.Dir != "/srv/apps/web" {
					t.Errorf("Dir = %q", calls[0].Opts.Dir)
				}
			}
		})
	}
}

func TestExecutor_Clone(t *testing.T) {
	runner := cmdtest.New()
	executor := NewExecutor(runner, 0)

	err := executor.Clone(context.Background(), "https://github.com/acme/web.git", "main", "/srv/apps/web", StepOptions{})
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	calls := runner.Calls()
	want := "git clone --depth 1 --single-branch --branch main https://github.com/acme/web.git /srv/apps/web"
	if calls[0].String() != want {
		t.Errorf("clone command = %q, want %q", calls[0].String(), want)
	}
	found := false
	for _, e := range calls[0].Opts.Env {
		if e == "GIT_TERMINAL_PROMPT=0" {
			found = true
		}
	}
	if !found {
		t.Error("clone must disable interactive credential prompts")
	}

	runner.Fail("git clone", "Cloning into '/srv/apps/web'...\nfatal: Remote branch nope not found in upstream origin")
	err = executor.Clone(context.Background(), "https://github.com/acme/web.git", "nope", "/srv/apps/web", StepOptions{})
	if err == nil || !strings.Contains(err.Error(), "Remote branch nope not found") {
		t.Errorf("Clone() error = %v, want git's last line", err)
	}
}

func TestExecutor_HeadCommit(t *testing.T) {
	runner := cmdtest.New().On("git log", cmdtest.Response{Output: "0123abcd\nFix login redirect\n"})
	executor := NewExecutor(runner, 0)

	hash, subject, err := executor.HeadCommit(context.Background(), "/srv/apps/web")
	if err != nil {
		t.Fatalf("HeadCommit() error = %v", err)
	}
	if hash != "0123abcd" || subject != "Fix login redirect" {
		t.Errorf("HeadCommit() = %q, %q", hash, subject)
	}

	runner.On("git log", cmdtest.Response{Output: ""})
	if _, _, err := executor.HeadCommit(context.Background(), "/srv/apps/web"); err == nil {
		t.Error("HeadCommit() with empty output should fail")
	}
}

func TestExecutionResult_OK(t *testing.T) {
	for code, want := range map[int]bool{0: true, 1: false, 127: false, -1: false} {
		result := &ExecutionResult{ReturnCode: code}
		if result.OK() != want {
			t.Errorf("ExecutionResult{ReturnCode: %d}.OK() = %v, want %v", code, result.OK(), want)
		}
	}
}
