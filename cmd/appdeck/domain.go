package main

import (
	"fmt"
	"strconv"

	"appdeck/internal/protocol"
	"appdeck/internal/proxy"
	"appdeck/internal/store"

	"github.com/spf13/cobra"
)

var domainPrimary bool

var domainCmd = &cobra.Command{
	Use:     "domain",
	Aliases: []string{"domains"},
	Short:   "Manage domains routed to applications",
}

var domainListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List domain bindings",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var domains []store.DomainBinding
		if err := callOnce(cmd, protocol.ProxyDomains, nil, &domains); err != nil {
			return err
		}
		return show(domains, func() {
			if len(domains) == 0 {
				fmt.Println("No domains")
				return
			}
			w := newTable()
			fmt.Fprintln(w, bold("ID\tDOMAIN\tAPP\tPRIMARY\tADDED"))
			for _, d := range domains {
				primary := ""
				if d.IsPrimary {
					primary = green("yes")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Domain, d.AppName, primary, ago(d.CreatedAt))
			}
			w.Flush()
		})
	},
}

var domainAddCmd = &cobra.Command{
	Use:   "add <app> <domain>",
	Short: "Route a domain to an application",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var binding store.DomainBinding
		err := callOnce(cmd, protocol.ProxyDomainAdd, protocol.DomainAdd{
			AppName:   args[0],
			Domain:    args[1],
			IsPrimary: domainPrimary,
		}, &binding)
		if err != nil {
			return err
		}
		return show(binding, func() { success("Routed %s to %s (id %d)", binding.Domain, args[0], binding.ID) })
	},
}

var domainRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a domain binding by id",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid domain id %q", args[0])
		}
		var res any
		if err := callOnce(cmd, protocol.ProxyDomainRemove, protocol.DomainRemove{ID: id}, &res); err != nil {
			return err
		}
		return show(res, func() { success("Removed domain %d", id) })
	},
}

var proxyLogLines int

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Inspect and control the reverse proxy",
}

var proxyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy service state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st proxy.Status
		if err := callOnce(cmd, protocol.ProxyStatus, nil, &st); err != nil {
			return err
		}
		return show(st, func() {
			state := red(st.State)
			if st.Active {
				state = green(st.State)
			}
			w := newTable()
			fmt.Fprintf(w, "%s\t%s\n", bold("Service"), st.Service)
			fmt.Fprintf(w, "%s\t%s\n", bold("State"), state)
			if st.Version != "" {
				fmt.Fprintf(w, "%s\t%s\n", bold("Version"), st.Version)
			}
			exists := "missing"
			if st.ConfigExists {
				exists = "present"
			}
			fmt.Fprintf(w, "%s\t%s (%s)\n", bold("Config"), st.ConfigPath, exists)
			fmt.Fprintf(w, "%s\t%d\n", bold("Domains"), st.Domains)
			w.Flush()
		})
	},
}

var proxyConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the current proxy config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := callOnce(cmd, protocol.ProxyConfig, nil, &res); err != nil {
			return err
		}
		return show(res, func() {
			fmt.Println(faint("# " + res.Path))
			fmt.Print(res.Content)
		})
	},
}

var proxyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the proxy config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Valid  bool   `json:"valid"`
			Output string `json:"output"`
		}
		if err := callOnce(cmd, protocol.ProxyValidate, nil, &res); err != nil {
			return err
		}
		if err := show(res, func() {
			if res.Valid {
				success("Configuration is valid")
			}
			if res.Output != "" {
				fmt.Println(res.Output)
			}
		}); err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("configuration is invalid")
		}
		return nil
	},
}

var proxyLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent proxy service logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Logs string `json:"logs"`
		}
		if err := callOnce(cmd, protocol.ProxyLogs, protocol.ProxyLogsQuery{Lines: proxyLogLines}, &res); err != nil {
			return err
		}
		return show(res, func() { fmt.Print(res.Logs) })
	},
}

var proxyRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Rewrite the proxy config file without reloading",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Path   string `json:"path"`
			Backup string `json:"backup"`
		}
		if err := callOnce(cmd, protocol.ProxyRegenerate, nil, &res); err != nil {
			return err
		}
		return show(res, func() {
			success("Wrote %s", res.Path)
			if res.Backup != "" {
				fmt.Println(faint("Previous config saved to " + res.Backup))
			}
		})
	},
}

// proxyActionCmd builds a subcommand that triggers one proxy action.
func proxyActionCmd(use, short, channel, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]string
			if err := callOnce(cmd, channel, nil, &res); err != nil {
				return err
			}
			return show(res, func() { success("%s", done) })
		},
	}
}

func init() {
	domainAddCmd.Flags().BoolVar(&domainPrimary, "primary", false, "Mark as the application's primary domain")
	domainCmd.AddCommand(domainListCmd, domainAddCmd, domainRemoveCmd)

	proxyLogsCmd.Flags().IntVarP(&proxyLogLines, "lines", "n", 0, "Number of lines (server default when zero)")
	proxyCmd.AddCommand(
		proxyStatusCmd,
		proxyConfigCmd,
		proxyValidateCmd,
		proxyLogsCmd,
		proxyRegenerateCmd,
		proxyActionCmd("start", "Start the proxy service", protocol.ProxyStart, "Proxy started"),
		proxyActionCmd("stop", "Stop the proxy service", protocol.ProxyStop, "Proxy stopped"),
		proxyActionCmd("reload", "Reload the proxy configuration", protocol.ProxyReload, "Proxy reloaded"),
		proxyActionCmd("update-config", "Regenerate, validate and reload the proxy config", protocol.ProxyUpdateConfig, "Proxy configuration updated"),
	)
}
