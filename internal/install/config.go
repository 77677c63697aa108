package install

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"appdeck/internal/config"
	"appdeck/internal/security"
	"appdeck/pkg/fileutil"

	"gopkg.in/yaml.v3"
)

const configHeader = "# appdeck server configuration, written by `appdeck install`.\n"

// GenerateSecret returns a random webhook secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// writeConfig writes a new configuration file. An existing file is loaded
// instead unless Force is set.
func (i *Installer) writeConfig(_ context.Context) error {
	path := i.opts.ConfigPath

	if fileutil.FileExists(path) && !i.opts.Force {
		cfg, err := config.Load(path)
		if err != nil {
			i.printFail("Loading existing configuration")
			return err
		}
		i.cfg = cfg
		i.printSkip("Configuration already exists at " + path)
		return nil
	}

	cfg, err := i.buildConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(path, append([]byte(configHeader), data...), security.PermConfigFile); err != nil {
		i.printFail("Writing " + path)
		return err
	}

	i.cfg = cfg
	i.printOK("Writing " + path)
	return nil
}

// buildConfig applies the options over the defaults.
func (i *Installer) buildConfig() (*config.Config, error) {
	cfg := config.Default()
	o := i.opts

	if o.Host != "" {
		cfg.Server.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.AppsDirectory != "" {
		cfg.Apps.Directory = o.AppsDirectory
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	// Uploads live next to the database rather than in a tmpfs.
	cfg.Apps.UploadDirectory = filepath.Join(filepath.Dir(cfg.Database.Path), "uploads")
	cfg.Forge.GitHubToken = o.GitHubToken
	cfg.Forge.PublicURL = strings.TrimRight(o.PublicURL, "/")

	cfg.Forge.WebhookSecret = o.WebhookSecret
	if cfg.Forge.WebhookSecret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Forge.WebhookSecret = secret
	} else if err := security.ValidateWebhookSecret(cfg.Forge.WebhookSecret); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return cfg, nil
}

// createDirectories creates the state directories and hands them to the
// service user.
func (i *Installer) createDirectories(ctx context.Context) error {
	c := i.cfg
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{filepath.Dir(c.Database.Path), security.PermDirectory},
		{filepath.Dir(c.Log.File), security.PermDirectory},
		{c.Apps.UploadDirectory, security.PermSecretDir},
		{c.Apps.Directory, 0755},
	}

	for _, d := range dirs {
		if err := security.CreateSecureDir(d.path, d.perm); err != nil {
			i.printFail("Creating " + d.path)
			return err
		}
		if i.opts.User != "" {
			if _, err := i.run(ctx, "chown", "-R", i.opts.User, d.path); err != nil {
				i.printFail("Changing owner of " + d.path)
				return err
			}
		}
		i.printOK("Creating " + d.path)
	}
	return nil
}
