package supervisor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"appdeck/pkg/cmdutil"
	"appdeck/pkg/templates"

	"github.com/kballard/go-shellquote"
)

// Supported runtimes.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
	RuntimeBun    = "bun"
)

var launchers = map[string]string{
	RuntimeNode:   "node",
	RuntimePython: "python3",
	RuntimeBun:    "bun",
}

var scriptExtensions = map[string][]string{
	RuntimeNode:   {".js", ".mjs", ".cjs"},
	RuntimePython: {".py"},
	RuntimeBun:    {".js", ".mjs", ".cjs", ".ts", ".tsx"},
}

// Launcher returns the interpreter for runtime.
func Launcher(runtime string) (string, error) {
	l, ok := launchers[runtime]
	if !ok {
		return "", fmt.Errorf("unsupported runtime %q (want node, python or bun)", runtime)
	}
	return l, nil
}

// ValidRuntime reports whether runtime is supported.
func ValidRuntime(runtime string) bool {
	_, ok := launchers[runtime]
	return ok
}

// UnitSpec describes the process a service runs.
type UnitSpec struct {
	Command          string
	WorkingDirectory string
	Environment      map[string]string
	Runtime          string
	// User owns the process; empty keeps the supervisor default.
	User string
	// EnvironmentFile is referenced optionally, so a missing file is fine.
	EnvironmentFile string
}

// ExecStart builds the ExecStart= value for spec. A bare script path is
// handed to the runtime's launcher; commands using shell features run
// through /bin/sh. Everything is resolved via /usr/bin/env so the unit
// does not depend on where the runtime is installed.
func ExecStart(spec UnitSpec) (string, error) {
	runtime := spec.Runtime
	if runtime == "" {
		runtime = RuntimeNode
	}
	launcher, err := Launcher(runtime)
	if err != nil {
		return "", err
	}

	parts, err := cmdutil.ShellCommand(spec.Command)
	if err != nil {
		return "", fmt.Errorf("invalid start command: %w", err)
	}
	if isScript(runtime, parts[0]) {
		parts = append([]string{launcher}, parts...)
	}

	line := "/usr/bin/env " + shellquote.Join(parts...)
	return escapeSpecifiers(line), nil
}

func isScript(runtime, arg string) bool {
	ext := strings.ToLower(filepath.Ext(arg))
	for _, e := range scriptExtensions[runtime] {
		if ext == e {
			return true
		}
	}
	return false
}

// escapeSpecifiers protects % and $ from systemd's own expansion.
func escapeSpecifiers(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	return strings.ReplaceAll(s, "$", "$$")
}

var unitEnvEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"%", "%%",
)

// RenderUnit produces the unit file for appName.
func RenderUnit(appName, identifier string, spec UnitSpec) (string, error) {
	execStart, err := ExecStart(spec)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(spec.Environment))
	for k := range spec.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, unitEnvEscaper.Replace(k+"="+spec.Environment[k]))
	}

	return templates.RenderSystemdUnit(templates.UnitData{
		Description:      "appdeck app " + appName,
		Identifier:       identifier,
		User:             spec.User,
		WorkingDirectory: spec.WorkingDirectory,
		ExecStart:        execStart,
		EnvironmentFile:  spec.EnvironmentFile,
		Environment:      env,
	})
}
