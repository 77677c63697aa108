package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"appdeck/internal/forge"
	"appdeck/internal/install"

	"github.com/spf13/cobra"
)

var installOpts install.Options

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and configure the appdeck server on this host",
	Long: `Install and configure the appdeck server on this host.

This command:
- Writes the configuration file with a generated webhook secret
- Creates the database, log, upload and apps directories
- Installs, enables and starts the appdeck systemd service
- Registers GitHub push webhooks for --repo (needs a GitHub token)

Running it again keeps an existing configuration unless --force is given.`,
	Example: `  sudo appdeck install --public-url https://deploy.example.com --repo acme/web`,
	Args:    cobra.NoArgs,
	RunE:    runInstall,
}

func init() {
	f := installCmd.Flags()
	f.StringVarP(&installOpts.ConfigPath, "config", "c", install.DefaultConfigPath, "Where to write the configuration file")
	f.StringVar(&installOpts.BinaryPath, "binary", "", "Path of the appdeck binary (default: this executable)")
	f.StringVar(&installOpts.User, "user", "", "User the server runs as (default: root)")
	f.StringVar(&installOpts.UnitDirectory, "unit-dir", install.DefaultUnitDirectory, "systemd unit directory")
	f.StringVar(&installOpts.Host, "host", "", "Host to bind to")
	f.IntVarP(&installOpts.Port, "port", "p", 0, "Port to listen on")
	f.StringVar(&installOpts.AppsDirectory, "apps-dir", "", "Directory holding deployed applications")
	f.StringVar(&installOpts.DBPath, "db", "", "Path to SQLite database")
	f.StringVar(&installOpts.LogFile, "log", "", "Path to log file")
	f.StringVar(&installOpts.PublicURL, "public-url", "", "External URL of the server, used for webhooks and commit status links")
	f.StringArrayVar(&installOpts.Repositories, "repo", nil, "GitHub repository to register a push webhook on (repeatable)")
	f.StringVar(&installOpts.WebhookSecret, "webhook-secret", "", "Webhook secret (generated if not provided)")
	f.BoolVar(&installOpts.Force, "force", false, "Overwrite an existing configuration file")
	f.BoolVar(&installOpts.SkipService, "no-service", false, "Do not install the systemd service")
}

func runInstall(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 && !installOpts.SkipService {
		return fmt.Errorf("installer must be run as root (use sudo) or with --no-service")
	}

	if installOpts.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		installOpts.BinaryPath = exe
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			installOpts.BinaryPath = resolved
		}
	}

	installOpts.GitHubToken = os.Getenv("APPDECK_GITHUB_TOKEN")
	if installOpts.GitHubToken == "" {
		installOpts.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}

	var hooks install.HookRegistrar
	if h, err := forge.NewHooks(installOpts.GitHubToken); err == nil {
		hooks = h
	} else if !errors.Is(err, forge.ErrNoToken) {
		return err
	}

	inst := install.New(installOpts, nil, hooks, cmd.OutOrStdout())
	if err := inst.Run(cmd.Context()); err != nil {
		return fmt.Errorf("installation failed: %w", err)
	}
	return nil
}
