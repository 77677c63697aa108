// Package envfile materializes an application's environment variables into
// the file referenced by its service unit.
package envfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"appdeck/internal/security"
	"appdeck/pkg/fileutil"
)

// DirName is the directory under the apps root that holds env files.
const DirName = ".env"

// Root resolves the apps directory, which may change at runtime.
type Root interface {
	AppsDirectory(ctx context.Context) string
}

// Manager writes and removes per-application environment files.
type Manager struct {
	root Root
}

// New creates a Manager rooted at root's apps directory.
func New(root Root) *Manager {
	return &Manager{root: root}
}

// Path returns <apps_dir>/.env/<app>.env.
func (m *Manager) Path(ctx context.Context, appName string) string {
	return filepath.Join(m.root.AppsDirectory(ctx), DirName, appName+".env")
}

// Write replaces the application's env file with vars. The file is
// created with mode 0600 and swapped in atomically.
func (m *Manager) Write(ctx context.Context, appName string, vars map[string]string) error {
	if err := security.ValidateAppName(appName); err != nil {
		return err
	}

	content, err := Render(vars)
	if err != nil {
		return err
	}

	path := m.Path(ctx, appName)
	if err := security.CreateSecureDir(filepath.Dir(path), security.PermSecretDir); err != nil {
		return fmt.Errorf("failed to create env directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, []byte(content), security.PermSecretFile); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}

// Remove deletes the application's env file. A missing file is not an error.
func (m *Manager) Remove(ctx context.Context, appName string) error {
	err := os.Remove(m.Path(ctx, appName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove env file: %w", err)
	}
	return nil
}

// Render formats vars as sorted KEY="value" lines.
func Render(vars map[string]string) (string, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if err := security.ValidateEnvKey(k); err != nil {
			return "", err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=\"%s\"\n", k, Escape(vars[k]))
	}
	return b.String(), nil
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"$", `\$`,
	"`", "\\`",
)

// Escape makes value safe inside a double-quoted systemd environment value.
func Escape(value string) string {
	return escaper.Replace(value)
}
