package main

import (
	"fmt"
	"sort"

	"appdeck/internal/protocol"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or override runtime settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show stored overrides and effective values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Stored    map[string]string `json:"stored"`
			Effective map[string]string `json:"effective"`
		}
		if err := callOnce(cmd, protocol.SettingsGet, nil, &res); err != nil {
			return err
		}
		return show(res, func() {
			keys := make([]string, 0, len(res.Effective))
			for k := range res.Effective {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := newTable()
			fmt.Fprintln(w, bold("KEY\tVALUE\tSOURCE"))
			for _, k := range keys {
				source := "config"
				if _, ok := res.Stored[k]; ok {
					source = yellow("override")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", k, res.Effective[k], source)
			}
			w.Flush()
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Override a runtime setting",
	Example: `  appdeck settings set apps_directory /srv/apps`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res protocol.Setting
		if err := callOnce(cmd, protocol.SettingsSet, protocol.Setting{Key: args[0], Value: args[1]}, &res); err != nil {
			return err
		}
		return show(res, func() { success("%s = %s", res.Key, res.Value) })
	},
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}
