// Package proxy generates the Caddy configuration from domain bindings
// and drives the Caddy service.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"appdeck/internal/security"
	"appdeck/internal/store"
	"appdeck/pkg/cmdutil"
	"appdeck/pkg/fileutil"
	"appdeck/pkg/templates"
)

// ErrInvalidConfig is returned when Caddy rejects a generated config.
var ErrInvalidConfig = errors.New("proxy configuration is invalid")

// keepBackups bounds how many config backups are retained.
const keepBackups = 10

// Store is the slice of the data layer the configurator needs.
type Store interface {
	Routes(ctx context.Context) ([]store.Route, error)
	AddDomain(ctx context.Context, appName, domain string, primary bool) (*store.DomainBinding, error)
	RemoveDomain(ctx context.Context, id int64) (*store.DomainBinding, error)
	ListDomains(ctx context.Context, appName string) ([]store.DomainBinding, error)
}

// Paths resolves the config file location, which may change at runtime.
type Paths interface {
	ProxyConfigPath(ctx context.Context) string
}

// Options configures a Configurator.
type Options struct {
	Binary           string
	Service          string
	DashboardAddress string
	DashboardPort    int
	Timeout          time.Duration
}

// Configurator owns the Caddyfile.
type Configurator struct {
	opts   Options
	store  Store
	paths  Paths
	runner cmdutil.Runner
	logger *slog.Logger
	now    func() time.Time

	// serializes write/validate/reload cycles
	mu sync.Mutex
}

// Status describes the proxy service and its config file.
type Status struct {
	Service      string `json:"service"`
	Active       bool   `json:"active"`
	State        string `json:"state"`
	Version      string `json:"version,omitempty"`
	ConfigPath   string `json:"configPath"`
	ConfigExists bool   `json:"configExists"`
	Domains      int    `json:"domains"`
}

// New creates a Configurator.
func New(opts Options, st Store, paths Paths, runner cmdutil.Runner, logger *slog.Logger) *Configurator {
	if opts.Binary == "" {
		opts.Binary = "caddy"
	}
	if opts.Service == "" {
		opts.Service = "caddy"
	}
	if opts.DashboardAddress == "" {
		opts.DashboardAddress = ":80"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Configurator{
		opts:   opts,
		store:  st,
		paths:  paths,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}
}

// ConfigPath returns where the Caddyfile lives.
func (c *Configurator) ConfigPath(ctx context.Context) string {
	return c.paths.ProxyConfigPath(ctx)
}

// Render produces the full Caddyfile from every domain binding.
func (c *Configurator) Render(ctx context.Context) (string, error) {
	routes, err := c.store.Routes(ctx)
	if err != nil {
		return "", err
	}
	return templates.RenderCaddyfile(templates.CaddyfileData{
		DashboardAddress: c.opts.DashboardAddress,
		DashboardPort:    c.opts.DashboardPort,
		Sites:            BuildSites(routes),
	})
}

// Write backs up the current config and atomically replaces it with a
// fresh render. It returns the backup path, empty when there was no
// previous file. It waits for any UpdateConfig in progress.
func (c *Configurator) Write(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx)
}

func (c *Configurator) write(ctx context.Context) (string, error) {
	content, err := c.Render(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to render proxy config: %w", err)
	}

	path := c.ConfigPath(ctx)
	backup, err := fileutil.BackupFile(path, c.now())
	if err != nil {
		return "", err
	}
	if err := fileutil.WriteFileAtomic(path, []byte(content), security.PermPublicFile); err != nil {
		return backup, err
	}

	c.pruneBackups(path)
	return backup, nil
}

func (c *Configurator) pruneBackups(path string) {
	matches, err := filepath.Glob(path + ".backup.*")
	if err != nil || len(matches) <= keepBackups {
		return
	}
	// timestamp suffixes sort chronologically
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keepBackups] {
		if err := os.Remove(old); err != nil {
			c.logger.Warn("Failed to prune proxy config backup", "path", old, "error", err)
		}
	}
}

// Validate runs Caddy's config check against the current file. It never
// returns an error; the output explains a false result.
func (c *Configurator) Validate(ctx context.Context) (bool, string) {
	res, err := c.runner.Run(ctx, cmdutil.ExecOptions{Timeout: c.opts.Timeout, CombinedOutput: true},
		[]string{c.opts.Binary, "validate", "--adapter", "caddyfile", "--config", c.ConfigPath(ctx)})
	if err != nil {
		out := res.Text()
		if out == "" {
			out = err.Error()
		}
		return false, out
	}
	return true, res.Text()
}

// Reload asks the proxy service to re-read its config.
func (c *Configurator) Reload(ctx context.Context) error {
	return c.systemctl(ctx, "reload")
}

// Start starts the proxy service.
func (c *Configurator) Start(ctx context.Context) error {
	return c.systemctl(ctx, "start")
}

// Stop stops the proxy service.
func (c *Configurator) Stop(ctx context.Context) error {
	return c.systemctl(ctx, "stop")
}

func (c *Configurator) systemctl(ctx context.Context, verb string) error {
	res, err := c.runner.Run(ctx, cmdutil.ExecOptions{Timeout: c.opts.Timeout, CombinedOutput: true},
		[]string{"systemctl", verb, c.opts.Service})
	if err != nil {
		if out := res.Text(); out != "" {
			return fmt.Errorf("systemctl %s %s: %s", verb, c.opts.Service, out)
		}
		return fmt.Errorf("systemctl %s %s: %w", verb, c.opts.Service, err)
	}
	return nil
}

// UpdateConfig writes, validates and reloads. An invalid config is rolled
// back to the previous file and the proxy is not reloaded.
func (c *Configurator) UpdateConfig(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.ConfigPath(ctx)
	backup, err := c.write(ctx)
	if err != nil {
		return err
	}

	if ok, out := c.Validate(ctx); !ok {
		if rerr := c.restore(backup, path); rerr != nil {
			c.logger.Error("Failed to restore proxy config", "path", path, "error", rerr)
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, out)
	}

	if err := c.Reload(ctx); err != nil {
		return err
	}
	c.logger.Info("Proxy config reloaded", "path", path)
	return nil
}

func (c *Configurator) restore(backup, path string) error {
	if backup == "" {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return fileutil.RestoreFile(backup, path)
}

// AddDomain binds domain to appName and applies the new config. If the
// config cannot be applied the binding is removed again.
func (c *Configurator) AddDomain(ctx context.Context, appName, domain string, primary bool) (*store.DomainBinding, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if err := security.ValidateDomain(domain); err != nil {
		return nil, err
	}

	binding, err := c.store.AddDomain(ctx, appName, domain, primary)
	if err != nil {
		return nil, err
	}

	if err := c.UpdateConfig(ctx); err != nil {
		if _, rerr := c.store.RemoveDomain(ctx, binding.ID); rerr != nil {
			c.logger.Error("Failed to undo domain binding", "domain", domain, "error", rerr)
		}
		return nil, err
	}

	c.logger.Info("Domain added", "app", appName, "domain", domain)
	return binding, nil
}

// RemoveDomain deletes a binding and applies the new config. If the
// config cannot be applied the binding is restored.
func (c *Configurator) RemoveDomain(ctx context.Context, id int64) (*store.DomainBinding, error) {
	binding, err := c.store.RemoveDomain(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.UpdateConfig(ctx); err != nil {
		if _, rerr := c.store.AddDomain(ctx, binding.AppName, binding.Domain, binding.IsPrimary); rerr != nil {
			c.logger.Error("Failed to restore domain binding", "domain", binding.Domain, "error", rerr)
		}
		return nil, err
	}

	c.logger.Info("Domain removed", "app", binding.AppName, "domain", binding.Domain)
	return binding, nil
}

// Domains lists every binding.
func (c *Configurator) Domains(ctx context.Context) ([]store.DomainBinding, error) {
	return c.store.ListDomains(ctx, "")
}

// Config returns the current config file content.
func (c *Configurator) Config(ctx context.Context) (string, error) {
	data, err := os.ReadFile(c.ConfigPath(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to read proxy config: %w", err)
	}
	return string(data), nil
}

// Status reports whether the proxy service is running.
func (c *Configurator) Status(ctx context.Context) (*Status, error) {
	st := &Status{Service: c.opts.Service, ConfigPath: c.ConfigPath(ctx)}
	st.ConfigExists = fileutil.FileExists(st.ConfigPath)

	opts := cmdutil.ExecOptions{Timeout: c.opts.Timeout, CombinedOutput: true}

	// is-active exits non-zero for anything but active
	res, _ := c.runner.Run(ctx, opts, []string{"systemctl", "is-active", c.opts.Service})
	st.State = res.Text()
	if st.State == "" {
		st.State = "unknown"
	}
	st.Active = st.State == "active"

	if res, err := c.runner.Run(ctx, opts, []string{c.opts.Binary, "version"}); err == nil {
		st.Version = res.Text()
	}

	domains, err := c.Domains(ctx)
	if err != nil {
		return nil, err
	}
	st.Domains = len(domains)

	return st, nil
}

// Logs returns recent proxy service journal output.
func (c *Configurator) Logs(ctx context.Context, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	res, err := c.runner.Run(ctx, cmdutil.ExecOptions{Timeout: c.opts.Timeout, CombinedOutput: true},
		[]string{"journalctl", "-u", c.opts.Service, "--no-pager", "-o", "short-iso", "-n", strconv.Itoa(lines)})
	if err != nil {
		return "", fmt.Errorf("failed to read proxy logs: %w", err)
	}
	return string(res.Output), nil
}
