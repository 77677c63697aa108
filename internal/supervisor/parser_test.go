package supervisor

import (
	"testing"
)

const showSample = `Id=appdeck-demo.service
Description=appdeck app demo
ActiveState=active
SubState=running
UnitFileState=enabled
FragmentPath=/etc/systemd/system/appdeck-demo.service
WorkingDirectory=/srv/apps/demo
ExecStart={ path=/usr/bin/env ; argv[]=/usr/bin/env node index.js ; ignore_errors=no ; start_time=[n/a] ; stop_time=[n/a] ; pid=0 ; code=(null) ; status=0/0 }
MainPID=1234
ActiveEnterTimestamp=Tue 2024-01-02 10:00:00 UTC
TasksCurrent=11
TasksMax=infinity
MemoryCurrent=47396864
MemoryPeak=[not set]
CPUUsageNSec=1234000000
`

const statusSample = `● appdeck-demo.service - appdeck app demo
     Loaded: loaded (/etc/systemd/system/appdeck-demo.service; enabled; vendor preset: enabled)
     Active: active (running) since Tue 2024-01-02 10:00:00 UTC; 2h 3min ago
   Main PID: 1234 (node)
      Tasks: 11 (limit: 4557)
     Memory: 45.2M (peak: 60.5M)
        CPU: 1min 2.500s
     CGroup: /system.slice/appdeck-demo.service
             ├─1234 node index.js
             └─1240 /usr/bin/node worker.js

Jan 02 10:00:00 host appdeck-demo[1234]: listening on 4000
`

func TestParseShow(t *testing.T) {
	d := ParseShow(showSample)

	if d.Unit != "appdeck-demo.service" || d.ActiveState != "active" || d.SubState != "running" {
		t.Errorf("state fields = %q %q %q", d.Unit, d.ActiveState, d.SubState)
	}
	if d.UnitFileState != "enabled" || d.WorkingDirectory != "/srv/apps/demo" {
		t.Errorf("UnitFileState = %q, WorkingDirectory = %q", d.UnitFileState, d.WorkingDirectory)
	}
	if d.ExecStart != "/usr/bin/env node index.js" {
		t.Errorf("ExecStart = %q", d.ExecStart)
	}
	if d.MainPID == nil || *d.MainPID != 1234 {
		t.Errorf("MainPID = %v", d.MainPID)
	}
	if d.Since == nil || d.Since.Year() != 2024 {
		t.Errorf("Since = %v", d.Since)
	}
	if d.Tasks == nil || *d.Tasks != 11 {
		t.Errorf("Tasks = %v", d.Tasks)
	}
	if d.TasksLimit != nil {
		t.Errorf("TasksLimit = %v, want nil for infinity", *d.TasksLimit)
	}
	if d.Memory == nil || d.Memory.Bytes != 47396864 || d.Memory.Human != "45 MiB" {
		t.Errorf("Memory = %+v", d.Memory)
	}
	if d.MemoryPeak != nil {
		t.Errorf("MemoryPeak = %+v, want nil for [not set]", d.MemoryPeak)
	}
	if d.CPU == nil || d.CPU.Nanos != 1234000000 || d.CPU.Human != "1.234s" {
		t.Errorf("CPU = %+v", d.CPU)
	}
}

func TestParseStatus(t *testing.T) {
	d := ParseStatus(statusSample)

	if d.Unit != "appdeck-demo.service" || d.Description != "appdeck app demo" {
		t.Errorf("header = %q / %q", d.Unit, d.Description)
	}
	if d.FragmentPath != "/etc/systemd/system/appdeck-demo.service" || d.UnitFileState != "enabled" {
		t.Errorf("Loaded = %q / %q", d.FragmentPath, d.UnitFileState)
	}
	if d.ActiveState != "active" || d.SubState != "running" || d.Since == nil {
		t.Errorf("Active = %q (%q) since %v", d.ActiveState, d.SubState, d.Since)
	}
	if d.MainPID == nil || *d.MainPID != 1234 || d.MainCommand != "node" {
		t.Errorf("Main PID = %v (%q)", d.MainPID, d.MainCommand)
	}
	if d.Tasks == nil || *d.Tasks != 11 || d.TasksLimit == nil || *d.TasksLimit != 4557 {
		t.Errorf("Tasks = %v limit %v", d.Tasks, d.TasksLimit)
	}
	if d.Memory == nil || d.Memory.Human != "45.2M" || d.Memory.Bytes != 47395635 {
		t.Errorf("Memory = %+v", d.Memory)
	}
	if d.MemoryPeak == nil || d.MemoryPeak.Human != "60.5M" || d.MemoryPeak.Bytes != 63438848 {
		t.Errorf("MemoryPeak = %+v", d.MemoryPeak)
	}
	if d.CPU == nil || d.CPU.Nanos != 62500000000 || d.CPU.Human != "1min 2.500s" {
		t.Errorf("CPU = %+v", d.CPU)
	}
	if len(d.Processes) != 2 {
		t.Fatalf("Processes = %+v, want 2", d.Processes)
	}
	if d.Processes[0].PID != 1234 || d.Processes[0].Command != "node index.js" {
		t.Errorf("Processes[0] = %+v", d.Processes[0])
	}
	if d.Processes[1].PID != 1240 || d.Processes[1].Command != "/usr/bin/node worker.js" {
		t.Errorf("Processes[1] = %+v", d.Processes[1])
	}
}

func TestParseStatus_Degraded(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		active string
	}{
		{"empty", "", ""},
		{"garbage", "this is not\nsystemctl output at all\n\x00\x01", ""},
		{
			"inactive unit",
			"○ appdeck-demo.service - appdeck app demo\n     Loaded: loaded (/etc/systemd/system/appdeck-demo.service; disabled; preset: enabled)\n     Active: inactive (dead)\n",
			"inactive",
		},
		{
			"not found",
			"○ appdeck-ghost.service\n     Loaded: not-found (Reason: Unit appdeck-ghost.service not found.)\n     Active: inactive (dead)\n",
			"inactive",
		},
		{
			"truncated",
			"● appdeck-demo.service - appdeck app demo\n     Loaded: loaded (/etc/systemd/sys",
			"",
		},
		{
			"bad numbers",
			"     Active: failed (Result: exit-code)\n   Main PID: abc\n      Tasks: many\n     Memory: lots\n        CPU: forever\n",
			"failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseStatus(tt.input)
			if d.ActiveState != tt.active {
				t.Errorf("ActiveState = %q, want %q", d.ActiveState, tt.active)
			}
			if d.MainPID != nil || d.Tasks != nil || d.Memory != nil || d.CPU != nil {
				t.Errorf("expected no numeric fields, got %+v", d)
			}
		})
	}

	d := ParseStatus("○ appdeck-ghost.service\n     Loaded: not-found (Reason: Unit appdeck-ghost.service not found.)\n")
	if d.FragmentPath != "" {
		t.Errorf("FragmentPath = %q, want empty for a missing unit", d.FragmentPath)
	}
}

func TestParseShow_Malformed(t *testing.T) {
	d := ParseShow("no equals sign\n=value\nMainPID=0\nMemoryCurrent=18446744073709551615\nTasksCurrent=-3\nCPUUsageNSec=[not set]\n")

	if d.MainPID != nil {
		t.Errorf("MainPID = %v, want nil for 0", *d.MainPID)
	}
	if d.Memory != nil || d.Tasks != nil || d.CPU != nil {
		t.Errorf("expected absent fields, got %+v", d)
	}
}

func TestParseTimespan(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1.234s", 1234000000, true},
		{"500ms", 500000000, true},
		{"2min 3s", 123000000000, true},
		{"1h 2min", 3720000000000, true},
		{"750us", 750000, true},
		{"1d", 86400000000000, true},
		{"", 0, false},
		{"soon", 0, false},
		{"3 parsecs", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimespan(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseTimespan(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDetailsMerge(t *testing.T) {
	pid := 1
	d := Details{ActiveState: "active", MainPID: &pid}
	other := 2
	tasks := 5
	d.Merge(Details{ActiveState: "inactive", Description: "desc", MainPID: &other, Tasks: &tasks})

	if d.ActiveState != "active" || *d.MainPID != 1 {
		t.Error("Merge() must not overwrite populated fields")
	}
	if d.Description != "desc" || d.Tasks == nil || *d.Tasks != 5 {
		t.Error("Merge() should fill empty fields")
	}
}
