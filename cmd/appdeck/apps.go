package main

import (
	"fmt"
	"sort"

	"appdeck/internal/protocol"
	"appdeck/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var appsCmd = &cobra.Command{
	Use:     "apps",
	Aliases: []string{"app"},
	Short:   "Manage applications",
}

var appsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List applications",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var apps []store.Application
		if err := callOnce(cmd, protocol.AppList, nil, &apps); err != nil {
			return err
		}
		return show(apps, func() {
			if len(apps) == 0 {
				fmt.Println("No applications")
				return
			}
			w := newTable()
			fmt.Fprintln(w, bold("NAME\tSTATUS\tPORT\tRUNTIME\tSOURCE\tUPDATED"))
			for _, a := range apps {
				source := "upload"
				if a.Repository != "" {
					source = a.Repository + "@" + a.Branch
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", a.Name, statusColor(a.Status), a.Port, a.Runtime, source, ago(a.UpdatedAt))
			}
			w.Flush()
		})
	},
}

var appsGetCmd = &cobra.Command{
	Use:   "get <app>",
	Short: "Show one application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var app store.Application
		if err := callOnce(cmd, protocol.AppGet, protocol.AppRef{AppName: args[0]}, &app); err != nil {
			return err
		}
		return show(app, func() { printApp(&app) })
	},
}

var appsCreateCmd = &cobra.Command{
	Use:   "create <app>",
	Short: "Register an application without deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return saveApp(cmd, protocol.AppCreate, args[0])
	},
}

var appsUpdateCmd = &cobra.Command{
	Use:   "update <app>",
	Short: "Change stored settings of an application",
	Long: `Change stored settings of an application. Only flags given on the
command line are sent. The new settings apply on the next deployment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return saveApp(cmd, protocol.AppUpdate, args[0])
	},
}

var appsDeleteCmd = &cobra.Command{
	Use:     "delete <app>",
	Aliases: []string{"rm"},
	Short:   "Delete an application with its service, files and domains",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := callOnce(cmd, protocol.DeployDelete, protocol.AppRef{AppName: args[0]}, &res); err != nil {
			return err
		}
		return show(res, func() { success("Deleted %s", args[0]) })
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage application environment variables",
}

var envListCmd = &cobra.Command{
	Use:     "list <app>",
	Aliases: []string{"ls"},
	Short:   "List environment variables",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var vars []store.EnvVar
		if err := callOnce(cmd, protocol.AppEnvList, protocol.AppRef{AppName: args[0]}, &vars); err != nil {
			return err
		}
		return show(vars, func() {
			sort.Slice(vars, func(i, j int) bool { return vars[i].Key < vars[j].Key })
			for _, v := range vars {
				fmt.Printf("%s=%s\n", bold(v.Key), v.Value)
			}
		})
	},
}

var envSetCmd = &cobra.Command{
	Use:     "set <app> KEY=VALUE...",
	Short:   "Set environment variables",
	Example: `  appdeck env set web NODE_ENV=production API_URL=https://api.example.com`,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseEnvPairs(args[1:])
		if err != nil {
			return err
		}
		var res map[string]any
		if err := callOnce(cmd, protocol.AppEnvSetBatch, protocol.EnvSetBatch{AppName: args[0], Vars: vars}, &res); err != nil {
			return err
		}
		return show(res, func() {
			success("Set %d variable(s) on %s", len(vars), args[0])
			fmt.Println(faint("Restart the service to apply: appdeck service restart " + args[0]))
		})
	},
}

var envUnsetCmd = &cobra.Command{
	Use:   "unset <app> KEY...",
	Short: "Remove environment variables",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Deleted int `json:"deleted"`
		}
		if err := callOnce(cmd, protocol.AppEnvDeleteBatch, protocol.EnvDeleteBatch{AppName: args[0], Keys: args[1:]}, &res); err != nil {
			return err
		}
		return show(res, func() { success("Removed %d variable(s) from %s", res.Deleted, args[0]) })
	},
}

var envRegenerateCmd = &cobra.Command{
	Use:   "regenerate <app>",
	Short: "Rewrite the environment file from stored variables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := callOnce(cmd, protocol.AppEnvRegenerate, protocol.AppRef{AppName: args[0]}, &res); err != nil {
			return err
		}
		return show(res, func() { success("Regenerated environment file for %s", args[0]) })
	},
}

func init() {
	for _, cmd := range []*cobra.Command{appsCreateCmd, appsUpdateCmd} {
		f := cmd.Flags()
		f.String("repo", "", "Git repository URL")
		f.String("branch", "", "Branch to deploy")
		f.String("start", "", "Start command")
		f.String("build", "", "Build command")
		f.String("install", "", "Install command")
		f.String("runtime", "", "Runtime: node, python or bun")
		f.Int("port", 0, "Port (allocated when omitted)")
	}
	appsUpdateCmd.Flags().String("status", "", "Status: stopped, running or failed")

	appsCmd.AddCommand(appsListCmd, appsGetCmd, appsCreateCmd, appsUpdateCmd, appsDeleteCmd)
	envCmd.AddCommand(envListCmd, envSetCmd, envUnsetCmd, envRegenerateCmd)
}

// appFields collects the flags that were set explicitly.
func appFields(name string, f *pflag.FlagSet) protocol.AppFields {
	fields := protocol.AppFields{Name: name}
	str := func(flag string) *string {
		if !f.Changed(flag) {
			return nil
		}
		v, _ := f.GetString(flag)
		return &v
	}
	fields.Repository = str("repo")
	fields.Branch = str("branch")
	fields.StartCommand = str("start")
	fields.BuildCommand = str("build")
	fields.InstallCommand = str("install")
	fields.Runtime = str("runtime")
	if f.Lookup("status") != nil {
		fields.Status = str("status")
	}
	if f.Changed("port") {
		port, _ := f.GetInt("port")
		fields.Port = &port
	}
	return fields
}

func saveApp(cmd *cobra.Command, channel, name string) error {
	var app store.Application
	if err := callOnce(cmd, channel, appFields(name, cmd.Flags()), &app); err != nil {
		return err
	}
	return show(app, func() {
		success("Saved %s", app.Name)
		printApp(&app)
	})
}

func printApp(a *store.Application) {
	w := newTable()
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "%s\t%s\n", bold(k), v)
		}
	}
	row("Name", a.Name)
	row("Status", statusColor(a.Status))
	row("Port", fmt.Sprint(a.Port))
	row("Runtime", a.Runtime)
	row("Repository", a.Repository)
	if a.Repository != "" {
		row("Branch", a.Branch)
	}
	row("Path", a.DeployPath)
	row("Install", a.InstallCommand)
	row("Build", a.BuildCommand)
	row("Start", a.StartCommand)
	row("Created", ago(a.CreatedAt))
	row("Updated", ago(a.UpdatedAt))
	w.Flush()
}
