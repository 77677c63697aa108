package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"text/template"
)

// Template names
const (
	Caddyfile   = "caddyfile"
	SystemdUnit = "systemd-unit"
)

//go:embed files/*.template
var builtin embed.FS

// CaddySite is one routed domain in the Caddyfile.
type CaddySite struct {
	App    string
	Domain string
	Port   int
	// RedirectFrom is the companion www/bare host, empty when none applies.
	RedirectFrom string
}

// CaddyfileData is the input for the Caddyfile template.
type CaddyfileData struct {
	DashboardAddress string
	DashboardPort    int
	Sites            []CaddySite
}

// UnitData is the input for the systemd unit template. Environment entries
// must already be escaped for use inside a double-quoted Environment= value.
type UnitData struct {
	Description      string
	Identifier       string
	User             string
	WorkingDirectory string
	ExecStart        string
	EnvironmentFile  string
	Environment      []string
}

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "appdeck", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Overrides are loaded from the filesystem in the following order,
// falling back to the built-in copy:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/appdeck/templates/<name>.template
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := builtin.ReadFile("files/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("template file not found: %s", name)
	}
	return string(content), nil
}

// RenderWithGoTemplate renders a template using Go's text/template package.
func RenderWithGoTemplate(templateName string, data interface{}) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderCaddyfile renders the reverse proxy configuration.
func RenderCaddyfile(data CaddyfileData) (string, error) {
	return RenderWithGoTemplate(Caddyfile, data)
}

// RenderSystemdUnit renders a service unit definition.
func RenderSystemdUnit(data UnitData) (string, error) {
	return RenderWithGoTemplate(SystemdUnit, data)
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		Caddyfile,
		SystemdUnit,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	return slices.Contains(ListTemplates(), name)
}
