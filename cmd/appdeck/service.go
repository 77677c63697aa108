package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"appdeck/internal/protocol"
	"appdeck/internal/supervisor"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	serviceLogLines  int
	serviceLogSince  string
	serviceLogFollow bool
)

var serviceCmd = &cobra.Command{
	Use:     "service",
	Aliases: []string{"svc"},
	Short:   "Inspect and control application services",
}

var serviceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List application services",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var services []supervisor.Status
		if err := callOnce(cmd, protocol.ServiceList, nil, &services); err != nil {
			return err
		}
		return show(services, func() {
			if len(services) == 0 {
				fmt.Println("No services")
				return
			}
			w := newTable()
			fmt.Fprintln(w, bold("NAME\tSTATE\tENABLED\tPID\tMEMORY\tUNIT"))
			for _, s := range services {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n", s.Name, serviceState(&s), s.Enabled, pid(s.MainPID), memory(s.Memory), s.Unit)
			}
			w.Flush()
		})
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status <app>",
	Short: "Show detailed service status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := callOnce(cmd, protocol.ServiceStatus, protocol.AppRef{AppName: args[0]}, &st); err != nil {
			return err
		}
		return show(st, func() {
			w := newTable()
			row := func(k, v string) {
				if v != "" {
					fmt.Fprintf(w, "%s\t%s\n", bold(k), v)
				}
			}
			row("Unit", st.Unit)
			row("State", serviceState(&st))
			row("Enabled", fmt.Sprint(st.Enabled))
			row("Runtime", st.Runtime)
			if st.Since != nil {
				row("Since", humanize.Time(*st.Since))
			}
			row("PID", pid(st.MainPID))
			row("Command", st.MainCommand)
			row("Directory", st.WorkingDirectory)
			if st.Tasks != nil {
				row("Tasks", fmt.Sprint(*st.Tasks))
			}
			row("Memory", memory(st.Memory))
			if st.CPU != nil {
				row("CPU", st.CPU.Human)
			}
			w.Flush()
			for _, p := range st.Processes {
				fmt.Printf("  %s %s\n", faint(fmt.Sprint(p.PID)), p.Command)
			}
		})
	},
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs <app>",
	Short: "Show service logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serviceLogFollow {
			return followServiceLogs(cmd, args[0])
		}
		var res struct {
			Logs string `json:"logs"`
		}
		q := protocol.ServiceLogsQuery{AppName: args[0], Lines: serviceLogLines, Since: serviceLogSince}
		if err := callOnce(cmd, protocol.ServiceLogs, q, &res); err != nil {
			return err
		}
		return show(res, func() { fmt.Print(res.Logs) })
	},
}

// serviceActionCmd builds a subcommand that applies one action to a service.
func serviceActionCmd(action, short, channel string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <app>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]string
			if err := callOnce(cmd, channel, protocol.AppRef{AppName: args[0]}, &res); err != nil {
				return err
			}
			return show(res, func() { success("%s: %s", args[0], action) })
		},
	}
}

func init() {
	f := serviceLogsCmd.Flags()
	f.IntVarP(&serviceLogLines, "lines", "n", 0, "Number of lines (server default when zero)")
	f.StringVar(&serviceLogSince, "since", "", `Only entries newer than this, e.g. "1 hour ago"`)
	f.BoolVarP(&serviceLogFollow, "follow", "f", false, "Stream new log output")
	serviceLogsCmd.MarkFlagsMutuallyExclusive("follow", "lines")

	deleteCmd := serviceActionCmd("delete", "Remove the service unit and keep the application", protocol.ServiceDelete)
	deleteCmd.Aliases = []string{"rm"}

	serviceCmd.AddCommand(
		serviceListCmd,
		serviceStatusCmd,
		serviceLogsCmd,
		serviceActionCmd("start", "Start a service", protocol.ServiceStart),
		serviceActionCmd("stop", "Stop a service", protocol.ServiceStop),
		serviceActionCmd("restart", "Restart a service", protocol.ServiceRestart),
		serviceActionCmd("enable", "Start a service at boot", protocol.ServiceEnable),
		serviceActionCmd("disable", "Do not start a service at boot", protocol.ServiceDisable),
		deleteCmd,
	)
}

// followServiceLogs prints journal output until interrupted.
func followServiceLogs(cmd *cobra.Command, app string) error {
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := call(cmd, c, protocol.ServiceStreamStart, protocol.AppRef{AppName: app}, nil); err != nil {
		return err
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return errors.New("connection to server lost")
			}
			if ev.Channel != protocol.ServiceLog {
				continue
			}
			var line protocol.ServiceLogLine
			if json.Unmarshal(ev.Data, &line) != nil || line.AppName != app {
				continue
			}
			if jsonOutput {
				_ = show(line, nil)
				continue
			}
			fmt.Print(line.Data)
			if !strings.HasSuffix(line.Data, "\n") {
				fmt.Println()
			}
		}
	}
}

func serviceState(s *supervisor.Status) string {
	state := s.ActiveState
	if state == "" {
		state = "inactive"
		if s.Active {
			state = "active"
		}
	}
	if s.SubState != "" {
		state += " (" + s.SubState + ")"
	}
	if s.Active {
		return green(state)
	}
	if s.ActiveState == "failed" {
		return red(state)
	}
	return state
}

func pid(p *int) string {
	if p == nil || *p == 0 {
		return "-"
	}
	return fmt.Sprint(*p)
}

func memory(m *supervisor.ByteSize) string {
	if m == nil {
		return "-"
	}
	return humanize.IBytes(m.Bytes)
}
