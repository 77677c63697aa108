package install

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"appdeck/internal/config"
	"appdeck/pkg/cmdutil/cmdtest"
)

type fakeHooks struct {
	mu     sync.Mutex
	calls  []string
	secret string
	fail   map[string]bool
}

func (f *fakeHooks) EnsurePushHook(_ context.Context, repository, hookURL, secret string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, repository+" "+hookURL)
	f.secret = secret
	if f.fail[repository] {
		return false, errors.New("forbidden")
	}
	return true, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	return Options{
		ConfigPath:    filepath.Join(root, "etc", "appdeck.yaml"),
		BinaryPath:    "/usr/local/bin/appdeck",
		UnitDirectory: filepath.Join(root, "units"),
		DBPath:        filepath.Join(root, "data", "appdeck.db"),
		LogFile:       filepath.Join(root, "log", "appdeck.log"),
		AppsDirectory: filepath.Join(root, "apps"),
		Port:          9090,
	}
}

func TestRun_FreshInstall(t *testing.T) {
	opts := testOptions(t)
	runner := cmdtest.New().Fail("systemctl is-active", "inactive")
	var out bytes.Buffer

	inst := New(opts, runner, nil, &out)
	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v\n%s", err, out.String())
	}

	info, err := os.Stat(opts.ConfigPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0004 != 0 {
		t.Errorf("config is world-readable: %04o", perm)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Path != opts.DBPath || cfg.Apps.Directory != opts.AppsDirectory {
		t.Errorf("paths not applied: db=%s apps=%s", cfg.Database.Path, cfg.Apps.Directory)
	}
	if want := filepath.Join(filepath.Dir(opts.DBPath), "uploads"); cfg.Apps.UploadDirectory != want {
		t.Errorf("UploadDirectory = %s, want %s", cfg.Apps.UploadDirectory, want)
	}
	if len(cfg.Forge.WebhookSecret) < 32 {
		t.Errorf("generated secret too short: %q", cfg.Forge.WebhookSecret)
	}

	for _, dir := range []string{filepath.Dir(opts.DBPath), filepath.Dir(opts.LogFile), opts.AppsDirectory, cfg.Apps.UploadDirectory} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}

	unit, err := os.ReadFile(filepath.Join(opts.UnitDirectory, "appdeck.service"))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	wantExec := "ExecStart=/usr/local/bin/appdeck serve --config " + opts.ConfigPath
	if !strings.Contains(string(unit), wantExec) {
		t.Errorf("unit missing %q:\n%s", wantExec, unit)
	}

	for _, cmd := range []string{"systemctl daemon-reload", "systemctl enable appdeck", "systemctl start appdeck"} {
		if !runner.Called(cmd) {
			t.Errorf("expected %q, got %v", cmd, runner.Commands())
		}
	}
	if runner.Called("systemctl restart") {
		t.Error("inactive service should be started, not restarted")
	}
	if !strings.Contains(out.String(), "installation complete") {
		t.Errorf("summary missing:\n%s", out.String())
	}
}

func TestRun_Rerun(t *testing.T) {
	opts := testOptions(t)
	var out bytes.Buffer

	first := New(opts, cmdtest.New(), nil, &out)
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	secret := first.Config().Forge.WebhookSecret
	before, _ := os.ReadFile(opts.ConfigPath)

	// Flags that differ from the file are ignored without Force.
	opts.Port = 7070
	runner := cmdtest.New()
	second := New(opts, runner, nil, &out)
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	after, _ := os.ReadFile(opts.ConfigPath)
	if !bytes.Equal(before, after) {
		t.Error("existing config was rewritten without Force")
	}
	if second.Config().Forge.WebhookSecret != secret {
		t.Error("existing secret was not reused")
	}
	if runner.Called("systemctl daemon-reload") {
		t.Error("unchanged unit should not trigger daemon-reload")
	}
	if !runner.Called("systemctl restart appdeck") {
		t.Errorf("active service should be restarted, got %v", runner.Commands())
	}

	opts.Force = true
	forced := New(opts, cmdtest.New(), nil, &out)
	if err := forced.Run(context.Background()); err != nil {
		t.Fatalf("forced Run() error = %v", err)
	}
	if forced.Config().Server.Port != 7070 {
		t.Errorf("Force did not rewrite config, port = %d", forced.Config().Server.Port)
	}
}

func TestRun_ChownsStateToUser(t *testing.T) {
	opts := testOptions(t)
	opts.User = "appdeck"
	opts.SkipService = true
	runner := cmdtest.New()

	if err := New(opts, runner, nil, &bytes.Buffer{}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !runner.Called("chown -R appdeck " + opts.AppsDirectory) {
		t.Errorf("apps directory not handed to user, got %v", runner.Commands())
	}
	if runner.Called("systemctl") {
		t.Error("SkipService still ran systemctl")
	}
}

func TestRun_ServiceStartFailure(t *testing.T) {
	opts := testOptions(t)
	runner := cmdtest.New().
		Fail("systemctl is-active", "inactive").
		Fail("systemctl start", "Job for appdeck.service failed")
	var out bytes.Buffer

	err := New(opts, runner, nil, &out).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Job for appdeck.service failed") {
		t.Fatalf("Run() error = %v, want start failure", err)
	}
	if !strings.Contains(out.String(), "journalctl -u appdeck") {
		t.Errorf("missing log hint:\n%s", out.String())
	}
}

func TestRun_Webhooks(t *testing.T) {
	opts := testOptions(t)
	opts.SkipService = true
	opts.PublicURL = "https://deploy.example.com/"
	opts.Repositories = []string{"acme/web", "acme/api", "acme/docs"}
	hooks := &fakeHooks{fail: map[string]bool{"acme/api": true}}

	inst := New(opts, cmdtest.New(), hooks, &bytes.Buffer{})
	err := inst.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("Run() error = %v, want webhook failure", err)
	}

	if len(hooks.calls) != 3 {
		t.Fatalf("calls = %v, a failure should not stop later repositories", hooks.calls)
	}
	if hooks.calls[0] != "acme/web https://deploy.example.com/hooks/github" {
		t.Errorf("first call = %q", hooks.calls[0])
	}
	if hooks.secret != inst.Config().Forge.WebhookSecret {
		t.Error("webhook secret differs from the configured one")
	}
}

func TestRun_WebhooksWithoutToken(t *testing.T) {
	opts := testOptions(t)
	opts.SkipService = true
	opts.PublicURL = "https://deploy.example.com"
	opts.Repositories = []string{"acme/web"}
	var out bytes.Buffer

	if err := New(opts, cmdtest.New(), nil, &out).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "No GitHub token") {
		t.Errorf("expected skip notice:\n%s", out.String())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		want   string
	}{
		{"relative config", func(o *Options) { o.ConfigPath = "appdeck.yaml" }, "config path"},
		{"relative binary", func(o *Options) { o.BinaryPath = "appdeck" }, "binary path"},
		{"binary ignored without service", func(o *Options) { o.BinaryPath = ""; o.SkipService = true }, ""},
		{"webhooks need public url", func(o *Options) { o.Repositories = []string{"acme/web"} }, "public-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			tt.modify(&opts)
			err := New(opts, nil, nil, &bytes.Buffer{}).Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestRun_WeakSecretRejected(t *testing.T) {
	opts := testOptions(t)
	opts.WebhookSecret = "changeme"

	err := New(opts, cmdtest.New(), nil, &bytes.Buffer{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected weak secret to be rejected")
	}
	if _, statErr := os.Stat(opts.ConfigPath); !os.IsNotExist(statErr) {
		t.Error("config written despite invalid secret")
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateSecret()
	if a == b {
		t.Error("secrets should differ")
	}
	if len(a) < 32 {
		t.Errorf("secret length = %d", len(a))
	}
}
