package envfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type staticRoot string

func (r staticRoot) AppsDirectory(context.Context) string { return string(r) }

func TestWriteAndRemove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := New(staticRoot(dir))

	vars := map[string]string{
		"PORT":     "4001",
		"NODE_ENV": "production",
	}
	if err := m.Write(ctx, "demo", vars); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	path := m.Path(ctx, "demo")
	if path != filepath.Join(dir, ".env", "demo.env") {
		t.Errorf("Path() = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want := "NODE_ENV=\"production\"\nPORT=\"4001\"\n"
	if string(data) != want {
		t.Errorf("env file = %q, want %q", data, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("env file mode = %o, want 0600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("env dir mode = %o, want 0700", dirInfo.Mode().Perm())
	}

	// Rewriting replaces the whole set
	if err := m.Write(ctx, "demo", map[string]string{"PORT": "4002"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "PORT=\"4002\"\n" {
		t.Errorf("rewritten env file = %q", data)
	}

	if err := m.Remove(ctx, "demo"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("env file should be gone after Remove()")
	}
	if err := m.Remove(ctx, "demo"); err != nil {
		t.Errorf("Remove() of missing file error = %v", err)
	}
}

func TestWrite_RejectsBadInput(t *testing.T) {
	m := New(staticRoot(t.TempDir()))

	if err := m.Write(context.Background(), "../etc", nil); err == nil {
		t.Error("Write() should reject invalid app names")
	}
	if err := m.Write(context.Background(), "demo", map[string]string{"BAD-KEY": "x"}); err == nil {
		t.Error("Write() should reject invalid keys")
	}
}

func TestRender_Escaping(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"plain", "hello", `A="hello"` + "\n"},
		{"quotes", `say "hi"`, `A="say \"hi\""` + "\n"},
		{"backslash", `C:\path`, `A="C:\\path"` + "\n"},
		{"newline", "line1\nline2", `A="line1\nline2"` + "\n"},
		{"dollar", "$HOME", `A="\$HOME"` + "\n"},
		{"empty", "", `A=""` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(map[string]string{"A": tt.value})
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}
