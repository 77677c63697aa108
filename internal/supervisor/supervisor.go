// Package supervisor manages one systemd service per application.
package supervisor

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
	"time"

	"appdeck/internal/security"
	"appdeck/pkg/cmdutil"
	"appdeck/pkg/fileutil"
)

// Options configures a Supervisor.
type Options struct {
	// UnitDirectory is where unit files are written.
	UnitDirectory string
	// Prefix namespaces units: <prefix>-<app>.service.
	Prefix string
	// Timeout bounds each systemctl/journalctl call.
	Timeout time.Duration
}

// Supervisor drives systemctl and journalctl.
type Supervisor struct {
	opts   Options
	runner cmdutil.Runner
	logger *slog.Logger
}

// Status is the normalized view of one application's service.
type Status struct {
	Name    string `json:"name"`
	Unit    string `json:"unit"`
	Active  bool   `json:"active"`
	Enabled bool   `json:"enabled"`
	Runtime string `json:"runtime,omitempty"`
	Details
}

// LogOptions bounds a historical log query.
type LogOptions struct {
	Lines int
	// Since is passed to journalctl --since, e.g. "1 hour ago".
	Since string
}

// New creates a Supervisor.
func New(opts Options, runner cmdutil.Runner, logger *slog.Logger) *Supervisor {
	if opts.Prefix == "" {
		opts.Prefix = "appdeck"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Supervisor{opts: opts, runner: runner, logger: logger}
}

// UnitName returns the unit managed for appName.
func (s *Supervisor) UnitName(appName string) string {
	return s.opts.Prefix + "-" + appName + ".service"
}

// UnitPath returns the unit file location for appName.
func (s *Supervisor) UnitPath(appName string) string {
	return filepath.Join(s.opts.UnitDirectory, s.UnitName(appName))
}

// CreateOrReplace writes the unit file and reloads the unit index.
func (s *Supervisor) CreateOrReplace(ctx context.Context, appName string, spec UnitSpec) error {
	if err := security.ValidateAppName(appName); err != nil {
		return err
	}

	content, err := RenderUnit(appName, strings.TrimSuffix(s.UnitName(appName), ".service"), spec)
	if err != nil {
		return fmt.Errorf("failed to render unit: %w", err)
	}

	// Inline environment may carry secrets
	if err := fileutil.WriteFileAtomic(s.UnitPath(appName), []byte(content), security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}

	s.logger.Info("Service unit written", "app", appName, "unit", s.UnitName(appName))
	return s.daemonReload(ctx)
}

// Start starts the service.
func (s *Supervisor) Start(ctx context.Context, appName string) error {
	return s.systemctl(ctx, "start", appName)
}

// Stop stops the service.
func (s *Supervisor) Stop(ctx context.Context, appName string) error {
	return s.systemctl(ctx, "stop", appName)
}

// Restart restarts the service.
func (s *Supervisor) Restart(ctx context.Context, appName string) error {
	return s.systemctl(ctx, "restart", appName)
}

// Enable marks the service to start at boot.
func (s *Supervisor) Enable(ctx context.Context, appName string) error {
	return s.systemctl(ctx, "enable", appName)
}

// Disable removes the service from boot.
func (s *Supervisor) Disable(ctx context.Context, appName string) error {
	return s.systemctl(ctx, "disable", appName)
}

func (s *Supervisor) systemctl(ctx context.Context, verb, appName string) error {
	if err := security.ValidateAppName(appName); err != nil {
		return err
	}
	_, err := s.run(ctx, "systemctl", verb, s.UnitName(appName))
	return err
}

func (s *Supervisor) daemonReload(ctx context.Context) error {
	_, err := s.run(ctx, "systemctl", "daemon-reload")
	return err
}

// run executes a command and folds its output into the error so callers
// see the supervisor's own message.
func (s *Supervisor) run(ctx context.Context, parts ...string) (*cmdutil.Result, error) {
	result, err := s.runner.Run(ctx, cmdutil.ExecOptions{
		Timeout:        s.opts.Timeout,
		CombinedOutput: true,
	}, parts)
	if err != nil {
		if out := result.Text(); out != "" {
			return result, fmt.Errorf("%s: %s", cmdutil.FormatCommand(parts), out)
		}
		return result, fmt.Errorf("%s: %w", cmdutil.FormatCommand(parts), err)
	}
	return result, nil
}

// Status returns the service state. The detailed fields are best effort:
// if the human-readable output cannot be read, the result still carries
// what `systemctl show` reported.
func (s *Supervisor) Status(ctx context.Context, appName string) (*Status, error) {
	if err := security.ValidateAppName(appName); err != nil {
		return nil, err
	}
	unit := s.UnitName(appName)

	show, err := s.run(ctx, "systemctl", "show", unit, "--no-pager",
		"--property="+strings.Join(ShowProperties, ","))
	if err != nil {
		return nil, err
	}
	details := ParseShow(string(show.Output))

	// systemctl status exits non-zero for inactive units; the output is
	// still useful.
	res, err := s.runner.Run(ctx, cmdutil.ExecOptions{Timeout: s.opts.Timeout, CombinedOutput: true},
		[]string{"systemctl", "status", unit, "--no-pager", "--lines=0"})
	if res != nil && len(res.Output) > 0 {
		details.Merge(ParseStatus(string(res.Output)))
	} else if err != nil {
		s.logger.Debug("Status enrichment unavailable", "app", appName, "error", err)
	}

	st := &Status{
		Name:    appName,
		Unit:    unit,
		Active:  details.ActiveState == "active",
		Enabled: details.UnitFileState == "enabled",
		Runtime: detectRuntime(details.ExecStart),
		Details: details,
	}
	return st, nil
}

func detectRuntime(execStart string) string {
	for _, field := range strings.Fields(execStart) {
		base := filepath.Base(field)
		for runtime, launcher := range launchers {
			if base == launcher {
				return runtime
			}
		}
	}
	return ""
}

// List returns the status of every unit following the naming convention.
func (s *Supervisor) List(ctx context.Context) ([]Status, error) {
	res, err := s.run(ctx, "systemctl", "list-unit-files", "--type=service",
		"--no-legend", "--no-pager", "--plain", s.opts.Prefix+"-*.service")
	if err != nil {
		// list-unit-files exits 1 with no output when nothing matches
		if res != nil && res.ExitCode == 1 && strings.TrimSpace(string(res.Output)) == "" {
			return []Status{}, nil
		}
		return nil, err
	}

	names := parseUnitFiles(string(res.Output), s.opts.Prefix)
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st, err := s.Status(ctx, name)
		if err != nil {
			s.logger.Warn("Failed to read service status", "app", name, "error", err)
			statuses = append(statuses, Status{Name: name, Unit: s.UnitName(name)})
			continue
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

// parseUnitFiles extracts app names from list-unit-files output.
func parseUnitFiles(output, prefix string) []string {
	var names []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasPrefix(unit, prefix+"-") || !strings.HasSuffix(unit, ".service") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(unit, prefix+"-"), ".service")
		if security.ValidateAppName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Logs returns recent journal output for the service.
func (s *Supervisor) Logs(ctx context.Context, appName string, opts LogOptions) (string, error) {
	if err := security.ValidateAppName(appName); err != nil {
		return "", err
	}
	if opts.Lines <= 0 {
		opts.Lines = 100
	}

	args := []string{"journalctl", "-u", s.UnitName(appName), "--no-pager", "-o", "short-iso",
		"-n", strconv.Itoa(opts.Lines)}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}

	res, err := s.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(res.Output), nil
}

// Tail follows the service journal and calls onChunk for each read. The
// returned stop function terminates journalctl and may be called more
// than once.
func (s *Supervisor) Tail(ctx context.Context, appName string, onChunk func([]byte)) (func(), error) {
	if err := security.ValidateAppName(appName); err != nil {
		return nil, err
	}
	return s.runner.Stream(ctx, cmdutil.ExecOptions{},
		[]string{"journalctl", "-u", s.UnitName(appName), "-f", "-n", "0", "--no-pager", "-o", "short-iso"},
		onChunk)
}

// Delete stops and disables the service, removes its unit file and
// reloads the unit index. Stop and disable failures are ignored.
func (s *Supervisor) Delete(ctx context.Context, appName string) error {
	if err := security.ValidateAppName(appName); err != nil {
		return err
	}

	if err := s.Stop(ctx, appName); err != nil {
		s.logger.Warn("Stop before delete failed", "app", appName, "error", err)
	}
	if err := s.Disable(ctx, appName); err != nil {
		s.logger.Warn("Disable before delete failed", "app", appName, "error", err)
	}

	if err := os.Remove(s.UnitPath(appName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}

	s.logger.Info("Service unit removed", "app", appName)
	return s.daemonReload(ctx)
}
