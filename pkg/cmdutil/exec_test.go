package cmdutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    ExecOptions
		cmd     []string
		wantErr bool
	}{
		{
			"successful command",
			ExecOptions{CombinedOutput: true},
			[]string{"echo", "hello"},
			false,
		},
		{
			"command with args",
			ExecOptions{CombinedOutput: true},
			[]string{"echo", "hello", "world"},
			false,
		},
		{
			"command that fails",
			ExecOptions{CombinedOutput: true},
			[]string{"ls", "/nonexistent/directory/path"},
			true,
		},
		{
			"empty command",
			ExecOptions{CombinedOutput: true},
			[]string{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, tt.opts, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result == nil {
				t.Fatal("Run() returned nil result")
			}
			if !tt.wantErr && result.Duration == 0 {
				t.Error("Run() did not record execution duration")
			}
		})
	}
}

func TestRun_OnLine(t *testing.T) {
	var lines []string
	opts := ExecOptions{
		CombinedOutput: true,
		OnLine:         func(line string) { lines = append(lines, line) },
	}

	result, err := Run(context.Background(), opts, []string{"/bin/sh", "-c", "echo one; echo two 1>&2; printf three"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"one", "two", "three"}
	if !equalStringSlices(lines, want) {
		t.Errorf("OnLine received %v, want %v", lines, want)
	}
	if !strings.Contains(string(result.Output), "three") {
		t.Errorf("Result.Output = %q, want it to contain the trailing line", result.Output)
	}
}

func TestRun_Timeout(t *testing.T) {
	opts := ExecOptions{
		Timeout:        100 * time.Millisecond,
		CombinedOutput: true,
	}
	_, err := Run(context.Background(), opts, []string{"sleep", "5"})
	if err == nil {
		t.Fatal("Run() should time out for long command")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Run() error = %v, want a timeout error", err)
	}
}

func TestStream(t *testing.T) {
	var mu sync.Mutex
	var got strings.Builder

	stop, err := Stream(context.Background(), ExecOptions{}, []string{"/bin/sh", "-c", "echo tick; exec sleep 30"}, func(b []byte) {
		mu.Lock()
		got.Write(b)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		s := got.String()
		mu.Unlock()
		if strings.Contains(s, "tick") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Stream() never delivered output")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()
	// second stop must be a no-op
	stop()
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			"simple command",
			"git status",
			[]string{"git", "status"},
			false,
		},
		{
			"command with quoted argument",
			"git commit -m \"my message\"",
			[]string{"git", "commit", "-m", "my message"},
			false,
		},
		{
			"command with single quotes",
			"echo 'hello world'",
			[]string{"echo", "hello world"},
			false,
		},
		{
			"empty string",
			"",
			nil,
			true,
		},
		{
			"whitespace only",
			"   ",
			nil,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShellCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"plain", "npm install", []string{"npm", "install"}, false},
		{"quoted", `node -e "console.log(1)"`, []string{"/bin/sh", "-c", `node -e "console.log(1)"`}, false},
		{"chained", "npm ci && npm run build", []string{"/bin/sh", "-c", "npm ci && npm run build"}, false},
		{"env expansion", "echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}, false},
		{"empty", "  ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShellCommand(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ShellCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ShellCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"simple command", []string{"git", "status"}, "git status"},
		{"single command", []string{"ls"}, "ls"},
		{"empty command", []string{}, "<empty command>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCommand(tt.input); got != tt.want {
				t.Errorf("FormatCommand() = %v, want %v", got, tt.want)
			}
		})
	}

	got := FormatCommand([]string{"git", "commit", "-m", "my message"})
	if !strings.HasPrefix(got, "git commit -m ") || !strings.Contains(got, "my") {
		t.Errorf("FormatCommand() = %v, want quoted message argument", got)
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  []byte
		secrets []string
		want    string
	}{
		{
			"redact single secret",
			[]byte("Password: mysecret123"),
			[]string{"mysecret123"},
			"Password: ***REDACTED***",
		},
		{
			"redact multiple secrets",
			[]byte("user: admin, password: secret1, token: secret2"),
			[]string{"secret1", "secret2"},
			"user: admin, password: ***REDACTED***, token: ***REDACTED***",
		},
		{
			"no secrets",
			[]byte("public information"),
			[]string{},
			"public information",
		},
		{
			"short values are left alone",
			[]byte("PORT=80 enabled"),
			[]string{"", "80"},
			"PORT=80 enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeOutput(tt.output, tt.secrets)
			if string(got) != tt.want {
				t.Errorf("SanitizeOutput() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestExecOptions(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	t.Run("with working directory", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{Dir: tmpDir, CombinedOutput: true}, []string{"pwd"})
		if err != nil {
			t.Fatalf("Run() with Dir option error = %v", err)
		}
		if !strings.Contains(result.Text(), "TestExecOptions") {
			t.Errorf("pwd = %q, want temp dir", result.Text())
		}
	})

	t.Run("with environment variables", func(t *testing.T) {
		opts := ExecOptions{
			Env:            []string{"TEST_VAR=test_value"},
			CombinedOutput: true,
		}
		result, err := Run(ctx, opts, []string{"env"})
		if err != nil {
			t.Fatalf("Run() with Env option error = %v", err)
		}
		if !strings.Contains(string(result.Output), "TEST_VAR=test_value") {
			t.Error("Run() did not set environment variable correctly")
		}
		if !strings.Contains(string(result.Output), "PATH=") {
			t.Error("Run() should keep the inherited environment")
		}
	})
}

func TestResult(t *testing.T) {
	ctx := context.Background()

	t.Run("combined output", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{CombinedOutput: true}, []string{"echo", "test"})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Text() != "test" {
			t.Errorf("Result.Text() = %q, want %q", result.Text(), "test")
		}
		if result.ExitCode != 0 {
			t.Errorf("Result.ExitCode = %d, want 0", result.ExitCode)
		}
	})

	t.Run("exit code for failed command", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{CombinedOutput: true}, []string{"ls", "/nonexistent"})
		if err == nil {
			t.Error("Run() should return error for failed command")
		}
		if result.ExitCode == 0 {
			t.Error("Result.ExitCode should be non-zero for failed command")
		}
	})
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func BenchmarkParseCommandString(b *testing.B) {
	cmd := "git commit -m \"my message\""

	for i := 0; i < b.N; i++ {
		_, _ = ParseCommandString(cmd)
	}
}
