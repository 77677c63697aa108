package supervisor

import (
	"strings"
	"testing"
)

func TestExecStart(t *testing.T) {
	tests := []struct {
		name    string
		spec    UnitSpec
		want    string
		wantErr bool
	}{
		{"full command", UnitSpec{Command: "node index.js", Runtime: RuntimeNode}, "/usr/bin/env node index.js", false},
		{"bare node script", UnitSpec{Command: "server.js", Runtime: RuntimeNode}, "/usr/bin/env node server.js", false},
		{"bare python script", UnitSpec{Command: "app.py --port 4000", Runtime: RuntimePython}, "/usr/bin/env python3 app.py --port 4000", false},
		{"bare bun script", UnitSpec{Command: "src/index.ts", Runtime: RuntimeBun}, "/usr/bin/env bun src/index.ts", false},
		{"package manager", UnitSpec{Command: "npm start", Runtime: RuntimeNode}, "/usr/bin/env npm start", false},
		{"default runtime", UnitSpec{Command: "main.js"}, "/usr/bin/env node main.js", false},
		{"shell features", UnitSpec{Command: "npm run build && npm start", Runtime: RuntimeNode}, "/usr/bin/env /bin/sh -c 'npm run build && npm start'", false},
		{"systemd specifiers", UnitSpec{Command: "echo 100%", Runtime: RuntimeNode}, "/usr/bin/env echo 100%%", false},
		{"unknown runtime", UnitSpec{Command: "ruby app.rb", Runtime: "ruby"}, "", true},
		{"empty command", UnitSpec{Command: "  ", Runtime: RuntimeNode}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExecStart(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExecStart() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExecStart() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderUnit(t *testing.T) {
	unit, err := RenderUnit("demo", "appdeck-demo", UnitSpec{
		Command:          "node index.js",
		WorkingDirectory: "/srv/apps/demo",
		Runtime:          RuntimeNode,
		User:             "www-data",
		EnvironmentFile:  "/srv/apps/.env/demo.env",
		Environment: map[string]string{
			"PORT":    "4000",
			"MESSAGE": `say "hi" 50%`,
		},
	})
	if err != nil {
		t.Fatalf("RenderUnit() error = %v", err)
	}

	for _, want := range []string{
		"Description=appdeck app demo",
		"User=www-data",
		"WorkingDirectory=/srv/apps/demo",
		"ExecStart=/usr/bin/env node index.js",
		"EnvironmentFile=-/srv/apps/.env/demo.env",
		`Environment="MESSAGE=say \"hi\" 50%%"`,
		`Environment="PORT=4000"`,
		"SyslogIdentifier=appdeck-demo",
		"Restart=always",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}

	if strings.Index(unit, "MESSAGE=") > strings.Index(unit, "PORT=") {
		t.Error("Environment lines should be sorted by key")
	}
}

func TestRenderUnit_NoUser(t *testing.T) {
	unit, err := RenderUnit("demo", "appdeck-demo", UnitSpec{Command: "node index.js", WorkingDirectory: "/srv/apps/demo"})
	if err != nil {
		t.Fatalf("RenderUnit() error = %v", err)
	}
	if strings.Contains(unit, "User=") || strings.Contains(unit, "EnvironmentFile=") {
		t.Errorf("optional directives rendered without values:\n%s", unit)
	}
}

func TestLauncher(t *testing.T) {
	for runtime, want := range map[string]string{"node": "node", "python": "python3", "bun": "bun"} {
		got, err := Launcher(runtime)
		if err != nil || got != want {
			t.Errorf("Launcher(%q) = %q, %v, want %q", runtime, got, err, want)
		}
	}
	if _, err := Launcher("deno"); err == nil {
		t.Error("Launcher() should reject unknown runtimes")
	}
	if ValidRuntime("perl") {
		t.Error("ValidRuntime(perl) = true")
	}
}
