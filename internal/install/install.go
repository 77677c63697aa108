// Package install prepares a host to run the appdeck server. It writes the
// configuration file, creates state directories, installs the server's own
// systemd unit and registers GitHub push webhooks.
package install

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"appdeck/internal/config"
	"appdeck/pkg/cmdutil"
)

// Defaults
const (
	DefaultConfigPath    = "/etc/appdeck/" + config.FileName
	DefaultUnitName      = "appdeck"
	DefaultUnitDirectory = config.DefaultUnitDirectory
	WebhookPath          = "/hooks/github"
)

// HookRegistrar registers push webhooks on a repository.
type HookRegistrar interface {
	EnsurePushHook(ctx context.Context, repository, hookURL, secret string) (bool, error)
}

// Options holds everything the installer needs. Zero values fall back to
// the server defaults.
type Options struct {
	ConfigPath string
	// BinaryPath is the absolute path of the appdeck executable.
	BinaryPath    string
	User          string
	UnitDirectory string
	UnitName      string

	Host          string
	Port          int
	AppsDirectory string
	DBPath        string
	LogFile       string

	// PublicURL is where GitHub reaches the server, e.g.
	// https://deploy.example.com. Required when Repositories is set.
	PublicURL     string
	Repositories  []string
	GitHubToken   string
	WebhookSecret string

	// Force overwrites an existing configuration file.
	Force       bool
	SkipService bool
}

// Installer runs the installation steps in order.
type Installer struct {
	opts   Options
	runner cmdutil.Runner
	hooks  HookRegistrar
	out    io.Writer

	// resolved by writeConfig
	cfg *config.Config
}

// New creates an Installer. hooks may be nil when no token is available.
func New(opts Options, runner cmdutil.Runner, hooks HookRegistrar, out io.Writer) *Installer {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	if opts.UnitDirectory == "" {
		opts.UnitDirectory = DefaultUnitDirectory
	}
	if opts.UnitName == "" {
		opts.UnitName = DefaultUnitName
	}
	if runner == nil {
		runner = cmdutil.OSRunner{}
	}
	return &Installer{opts: opts, runner: runner, hooks: hooks, out: out}
}

// Validate checks the options before anything is written.
func (i *Installer) Validate() error {
	var missing []string
	if !filepath.IsAbs(i.opts.ConfigPath) {
		missing = append(missing, "config path must be absolute")
	}
	if !i.opts.SkipService && !filepath.IsAbs(i.opts.BinaryPath) {
		missing = append(missing, "binary path must be absolute")
	}
	if len(i.opts.Repositories) > 0 && i.opts.PublicURL == "" {
		missing = append(missing, "public-url is required to register webhooks")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid install options: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Run executes every step and stops at the first failure.
func (i *Installer) Run(ctx context.Context) error {
	if err := i.Validate(); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"writing configuration", i.writeConfig},
		{"creating directories", i.createDirectories},
		{"installing service", i.installService},
		{"registering webhooks", i.registerWebhooks},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	i.printSummary()
	return nil
}

// Config returns the configuration written or loaded by Run.
func (i *Installer) Config() *config.Config {
	return i.cfg
}

func (i *Installer) hookURL() string {
	return strings.TrimRight(i.opts.PublicURL, "/") + WebhookPath
}

func (i *Installer) printSummary() {
	c := i.cfg
	fmt.Fprintln(i.out)
	fmt.Fprintln(i.out, bold("appdeck installation complete"))
	fmt.Fprintln(i.out)
	fmt.Fprintf(i.out, "  Config:    %s\n", i.opts.ConfigPath)
	fmt.Fprintf(i.out, "  Database:  %s\n", c.Database.Path)
	fmt.Fprintf(i.out, "  Logs:      %s\n", c.Log.File)
	fmt.Fprintf(i.out, "  Apps:      %s\n", c.Apps.Directory)
	fmt.Fprintf(i.out, "  Listening: ws://%s:%d/ws\n", c.Server.Host, c.Server.Port)
	if i.opts.PublicURL != "" {
		fmt.Fprintf(i.out, "  Webhook:   %s\n", i.hookURL())
	}
	if !i.opts.SkipService {
		fmt.Fprintln(i.out)
		fmt.Fprintf(i.out, "  Status:    systemctl status %s\n", i.opts.UnitName)
		fmt.Fprintf(i.out, "  Logs:      journalctl -u %s -f\n", i.opts.UnitName)
	}
	fmt.Fprintln(i.out)
}
