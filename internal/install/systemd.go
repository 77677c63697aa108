package install

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"appdeck/pkg/cmdutil"
	"appdeck/pkg/fileutil"
	"appdeck/pkg/templates"

	"github.com/kballard/go-shellquote"
)

// installService writes the server unit, enables it and (re)starts it.
func (i *Installer) installService(ctx context.Context) error {
	if i.opts.SkipService {
		i.printSkip("Service installation disabled")
		return nil
	}

	content, err := templates.RenderSystemdUnit(templates.UnitData{
		Description:      "appdeck deployment server",
		Identifier:       i.opts.UnitName,
		User:             i.opts.User,
		WorkingDirectory: filepath.Dir(i.cfg.Database.Path),
		ExecStart:        shellquote.Join(i.opts.BinaryPath, "serve", "--config", i.opts.ConfigPath),
	})
	if err != nil {
		return fmt.Errorf("failed to render unit: %w", err)
	}

	path := filepath.Join(i.opts.UnitDirectory, i.opts.UnitName+".service")
	existing, readErr := os.ReadFile(path)
	changed := readErr != nil || !bytes.Equal(existing, []byte(content))

	if changed {
		if err := fileutil.WriteFileAtomic(path, []byte(content), 0644); err != nil {
			i.printFail("Writing " + path)
			return err
		}
		i.printOK("Writing " + path)
		if _, err := i.run(ctx, "systemctl", "daemon-reload"); err != nil {
			return err
		}
	} else {
		i.printSkip("Unit file unchanged")
	}

	if _, err := i.run(ctx, "systemctl", "enable", i.opts.UnitName); err != nil {
		i.printFail("Enabling " + i.opts.UnitName)
		return err
	}
	i.printOK("Enabling " + i.opts.UnitName)

	// A running server must pick up a rewritten config or unit.
	verb := "start"
	if _, err := i.runner.Run(ctx, cmdutil.ExecOptions{}, []string{"systemctl", "is-active", "--quiet", i.opts.UnitName}); err == nil {
		verb = "restart"
	}
	if _, err := i.run(ctx, "systemctl", verb, i.opts.UnitName); err != nil {
		i.printFail("Starting " + i.opts.UnitName)
		fmt.Fprintf(i.out, "Check the logs with: journalctl -u %s -n 50\n", i.opts.UnitName)
		return err
	}
	i.printOK("Starting " + i.opts.UnitName)
	return nil
}

// run executes a command and folds its output into the error.
func (i *Installer) run(ctx context.Context, parts ...string) (*cmdutil.Result, error) {
	result, err := i.runner.Run(ctx, cmdutil.ExecOptions{CombinedOutput: true}, parts)
	if err != nil {
		if out := result.Text(); out != "" {
			return result, fmt.Errorf("%s: %s", cmdutil.FormatCommand(parts), out)
		}
		return result, fmt.Errorf("%s: %w", cmdutil.FormatCommand(parts), err)
	}
	return result, nil
}
