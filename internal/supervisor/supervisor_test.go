package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"appdeck/pkg/cmdutil/cmdtest"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *cmdtest.Runner) {
	t.Helper()
	runner := cmdtest.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := New(Options{UnitDirectory: t.TempDir(), Prefix: "appdeck"}, runner, logger)
	return s, runner
}

func TestCreateOrReplace(t *testing.T) {
	s, runner := newTestSupervisor(t)
	ctx := context.Background()

	spec := UnitSpec{Command: "node index.js", WorkingDirectory: "/srv/apps/demo", Runtime: RuntimeNode}
	if err := s.CreateOrReplace(ctx, "demo", spec); err != nil {
		t.Fatalf("CreateOrReplace() error = %v", err)
	}

	path := filepath.Join(s.opts.UnitDirectory, "appdeck-demo.service")
	if s.UnitPath("demo") != path {
		t.Errorf("UnitPath() = %s, want %s", s.UnitPath("demo"), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unit file not written: %v", err)
	}
	if !strings.Contains(string(data), "WorkingDirectory=/srv/apps/demo") {
		t.Errorf("unit file = %s", data)
	}
	if !runner.Called("systemctl daemon-reload") {
		t.Error("CreateOrReplace() should reload the unit index")
	}

	// Replacing overwrites in place
	spec.Command = "node server.js"
	if err := s.CreateOrReplace(ctx, "demo", spec); err != nil {
		t.Fatalf("CreateOrReplace() second call error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "ExecStart=/usr/bin/env node server.js") {
		t.Errorf("unit not replaced: %s", data)
	}

	if err := s.CreateOrReplace(ctx, "../evil", spec); err == nil {
		t.Error("CreateOrReplace() should reject invalid app names")
	}
}

func TestLifecycleCommands(t *testing.T) {
	s, runner := newTestSupervisor(t)
	ctx := context.Background()

	calls := []struct {
		fn   func(context.Context, string) error
		verb string
	}{
		{s.Start, "start"},
		{s.Stop, "stop"},
		{s.Restart, "restart"},
		{s.Enable, "enable"},
		{s.Disable, "disable"},
	}
	for _, c := range calls {
		if err := c.fn(ctx, "demo"); err != nil {
			t.Errorf("%s error = %v", c.verb, err)
		}
		if !runner.Called("systemctl " + c.verb + " appdeck-demo.service") {
			t.Errorf("systemctl %s not called; calls = %v", c.verb, runner.Commands())
		}
	}
}

func TestStart_SurfacesSupervisorOutput(t *testing.T) {
	s, runner := newTestSupervisor(t)
	runner.Fail("systemctl start", "Job for appdeck-demo.service failed because the control process exited with error code.")

	err := s.Start(context.Background(), "demo")
	if err == nil {
		t.Fatal("Start() should fail")
	}
	if !strings.Contains(err.Error(), "control process exited with error code") {
		t.Errorf("Start() error = %v, want supervisor output", err)
	}
}

func TestStatus(t *testing.T) {
	s, runner := newTestSupervisor(t)
	runner.On("systemctl show appdeck-demo.service", cmdtest.Response{Output: showSample})
	runner.On("systemctl status appdeck-demo.service", cmdtest.Response{Output: statusSample})

	st, err := s.Status(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Active || !st.Enabled || st.Runtime != RuntimeNode {
		t.Errorf("Status() = active %v enabled %v runtime %q", st.Active, st.Enabled, st.Runtime)
	}
	if st.Name != "demo" || st.Unit != "appdeck-demo.service" {
		t.Errorf("Status() name/unit = %q/%q", st.Name, st.Unit)
	}
	// show wins, status fills the gaps
	if st.Memory == nil || st.Memory.Bytes != 47396864 {
		t.Errorf("Memory = %+v, want raw value from show", st.Memory)
	}
	if st.MemoryPeak == nil || st.MemoryPeak.Human != "60.5M" {
		t.Errorf("MemoryPeak = %+v, want value from status", st.MemoryPeak)
	}
	if st.TasksLimit == nil || *st.TasksLimit != 4557 {
		t.Errorf("TasksLimit = %v", st.TasksLimit)
	}
	if len(st.Processes) != 2 || st.MainCommand != "node" {
		t.Errorf("process details = %q %+v", st.MainCommand, st.Processes)
	}
}

func TestStatus_InactiveDegrades(t *testing.T) {
	s, runner := newTestSupervisor(t)
	runner.On("systemctl show", cmdtest.Response{Output: "Id=appdeck-demo.service\nActiveState=inactive\nUnitFileState=disabled\n"})
	runner.On("systemctl status", cmdtest.Response{ExitCode: 3, Err: os.ErrProcessDone})

	st, err := s.Status(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Active || st.Enabled || st.MainPID != nil {
		t.Errorf("Status() = %+v, want minimal inactive status", st)
	}
}

func TestList(t *testing.T) {
	s, runner := newTestSupervisor(t)
	runner.On("systemctl list-unit-files", cmdtest.Response{Output: "appdeck-web.service enabled enabled\nappdeck-api.service disabled enabled\nother.service enabled enabled\n"})
	runner.On("systemctl show", cmdtest.Response{Output: "ActiveState=active\n"})

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "api" || list[1].Name != "web" {
		t.Errorf("List() = %+v, want api and web", list)
	}

	empty, runner2 := newTestSupervisor(t)
	runner2.On("systemctl list-unit-files", cmdtest.Response{ExitCode: 1, Err: os.ErrNotExist})
	list, err = empty.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Errorf("List() with no units = %v, %v", list, err)
	}
}

func TestLogs(t *testing.T) {
	s, runner := newTestSupervisor(t)
	runner.On("journalctl", cmdtest.Response{Output: "line one\nline two\n"})

	out, err := s.Logs(context.Background(), "demo", LogOptions{Lines: 50, Since: "1 hour ago"})
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if out != "line one\nline two\n" {
		t.Errorf("Logs() = %q", out)
	}
	want := "journalctl -u appdeck-demo.service --no-pager -o short-iso -n 50 --since 1 hour ago"
	if !runner.Called(want) {
		t.Errorf("journalctl args = %v, want %q", runner.Commands(), want)
	}
}

func TestTail(t *testing.T) {
	s, runner := newTestSupervisor(t)

	var got []string
	stop, err := s.Tail(context.Background(), "demo", func(b []byte) { got = append(got, string(b)) })
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}

	streams := runner.Streams()
	if len(streams) != 1 || !strings.Contains(streams[0].Call.String(), "-u appdeck-demo.service -f") {
		t.Fatalf("Tail() streams = %+v", streams)
	}
	streams[0].Emit("hello\n")
	stop()
	stop()
	streams[0].Emit("after stop\n")

	if len(got) != 1 || got[0] != "hello\n" {
		t.Errorf("chunks = %q", got)
	}
	if !streams[0].Stopped() {
		t.Error("stop() did not terminate the stream")
	}
}

func TestDelete(t *testing.T) {
	s, runner := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.CreateOrReplace(ctx, "demo", UnitSpec{Command: "node index.js", WorkingDirectory: "/srv/apps/demo"}); err != nil {
		t.Fatalf("CreateOrReplace() error = %v", err)
	}
	runner.Fail("systemctl stop", "Unit appdeck-demo.service not loaded.")
	runner.Fail("systemctl disable", "Unit file does not exist.")

	if err := s.Delete(ctx, "demo"); err != nil {
		t.Fatalf("Delete() error = %v, want stop/disable failures ignored", err)
	}
	if _, err := os.Stat(s.UnitPath("demo")); !os.IsNotExist(err) {
		t.Error("unit file should be removed")
	}

	cmds := runner.Commands()
	if cmds[len(cmds)-1] != "systemctl daemon-reload" {
		t.Errorf("last command = %q, want daemon-reload", cmds[len(cmds)-1])
	}

	// Deleting again is harmless
	if err := s.Delete(ctx, "demo"); err != nil {
		t.Errorf("Delete() of missing unit error = %v", err)
	}
}
