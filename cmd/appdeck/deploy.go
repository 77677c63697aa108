package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"appdeck/internal/client"
	"appdeck/internal/protocol"
	"appdeck/internal/store"

	"github.com/spf13/cobra"
)

var (
	deployRepo    string
	deployBranch  string
	deployFile    string
	deployStart   string
	deployBuild   string
	deployInstall string
	deployRuntime string
	deployEnv     []string
	follow        bool
	logsLimit     int
)

var deployCmd = &cobra.Command{
	Use:   "deploy <app>",
	Short: "Deploy an application from Git or an archive",
	Example: `  appdeck deploy web --repo https://github.com/acme/web.git --start "node server.js" --follow
  appdeck deploy site --file site.tar.gz --start "python app.py" --runtime python`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var redeployCmd = &cobra.Command{
	Use:   "redeploy <app>",
	Short: "Redeploy an application from its repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		var queued protocol.Queued
		if err := call(cmd, c, protocol.DeployRedeploy, protocol.AppRef{AppName: args[0]}, &queued); err != nil {
			return err
		}
		return queuedOrFollow(cmd, c, queued.QueueID)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List deployment queue entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []store.QueueEntry
		if err := callOnce(cmd, protocol.DeployQueue, nil, &entries); err != nil {
			return err
		}
		return show(entries, func() {
			w := newTable()
			fmt.Fprintln(w, bold("ID\tAPP\tKIND\tSTATUS\tCREATED"))
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.AppName, e.Kind, statusColor(e.Status), ago(e.CreatedAt))
			}
			w.Flush()
		})
	},
}

var entryCmd = &cobra.Command{
	Use:   "entry <queue-id>",
	Short: "Show one queue entry and its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if follow {
			return followDeployment(cmd, c, args[0])
		}

		var entry store.QueueEntry
		if err := call(cmd, c, protocol.DeployEntry, protocol.QueueRef{QueueID: args[0]}, &entry); err != nil {
			return err
		}
		return show(entry, func() {
			fmt.Printf("%s %s (%s) %s\n", bold(entry.AppName), entry.ID, entry.Kind, statusColor(entry.Status))
			if entry.ErrorMessage != "" {
				fmt.Printf("%s %s\n", red("Error:"), entry.ErrorMessage)
			}
			fmt.Print(entry.Logs)
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <app>",
	Short: "Show recent deployment records of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var records []store.DeploymentRecord
		if err := callOnce(cmd, protocol.DeployLogs, protocol.LogsQuery{AppName: args[0], Limit: logsLimit}, &records); err != nil {
			return err
		}
		return show(records, func() {
			for i, r := range records {
				if i > 0 {
					fmt.Println()
				}
				commit := "-"
				if r.CommitHash != nil && len(*r.CommitHash) >= 7 {
					commit = (*r.CommitHash)[:7]
				}
				duration := ""
				if r.DurationSeconds != nil {
					duration = fmt.Sprintf(" in %.1fs", *r.DurationSeconds)
				}
				fmt.Printf("%s %s commit %s, %s%s\n", bold(fmt.Sprintf("#%d", r.ID)), statusColor(r.Status), commit, ago(r.StartedAt), duration)
				if r.ErrorMessage != nil {
					fmt.Printf("%s %s\n", red("Error:"), *r.ErrorMessage)
				}
				fmt.Print(faint(r.Logs))
			}
		})
	},
}

func init() {
	f := deployCmd.Flags()
	f.StringVar(&deployRepo, "repo", "", "Git repository URL")
	f.StringVar(&deployBranch, "branch", "", "Branch to deploy (server default when empty)")
	f.StringVar(&deployFile, "file", "", "Archive to upload (.zip, .tar, .tar.gz, .tar.zst)")
	f.StringVar(&deployStart, "start", "", "Start command")
	f.StringVar(&deployBuild, "build", "", "Build command")
	f.StringVar(&deployInstall, "install", "", "Install command")
	f.StringVar(&deployRuntime, "runtime", "", "Runtime: node, python or bun")
	f.StringArrayVarP(&deployEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	deployCmd.MarkFlagsMutuallyExclusive("repo", "file")
	deployCmd.MarkFlagsOneRequired("repo", "file")

	for _, cmd := range []*cobra.Command{deployCmd, redeployCmd, entryCmd} {
		cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the deployment ends")
	}
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 0, "Number of records (server default when zero)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	env, err := parseEnvPairs(deployEnv)
	if err != nil {
		return err
	}

	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var queued protocol.Queued
	if deployFile != "" {
		buf, err := os.ReadFile(deployFile)
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		err = call(cmd, c, protocol.DeployFile, protocol.FileDeploy{
			AppName:        args[0],
			FileBuffer:     buf,
			FileName:       filepath.Base(deployFile),
			StartCommand:   deployStart,
			BuildCommand:   deployBuild,
			InstallCommand: deployInstall,
			Runtime:        deployRuntime,
			EnvVars:        env,
		}, &queued)
		if err != nil {
			return err
		}
	} else {
		err = call(cmd, c, protocol.DeployGit, protocol.GitDeploy{
			AppName:        args[0],
			Repository:     deployRepo,
			Branch:         deployBranch,
			StartCommand:   deployStart,
			BuildCommand:   deployBuild,
			InstallCommand: deployInstall,
			Runtime:        deployRuntime,
			EnvVars:        env,
		}, &queued)
		if err != nil {
			return err
		}
	}

	return queuedOrFollow(cmd, c, queued.QueueID)
}

func queuedOrFollow(cmd *cobra.Command, c *client.Client, queueID string) error {
	if follow {
		return followDeployment(cmd, c, queueID)
	}
	return show(protocol.Queued{QueueID: queueID}, func() {
		success("Deployment queued: %s", queueID)
		fmt.Println(faint("Follow it with: appdeck entry --follow " + queueID))
	})
}

// followDeployment prints progress until the entry ends. It fails when
// the deployment fails.
func followDeployment(cmd *cobra.Command, c *client.Client, queueID string) error {
	var entry store.QueueEntry
	if err := call(cmd, c, protocol.DeployStreamStart, protocol.QueueRef{QueueID: queueID}, &entry); err != nil {
		return err
	}
	printed := entry.Logs
	fmt.Print(printed)

	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case ev, ok := <-c.Events():
			if !ok {
				return errors.New("connection to server lost; the deployment continues on the server")
			}
			switch ev.Channel {
			case protocol.DeployProgress:
				var p protocol.Progress
				if json.Unmarshal(ev.Data, &p) != nil || p.QueueID != queueID {
					continue
				}
				// The snapshot may already contain early lines.
				if strings.HasPrefix(printed, p.Logs) {
					continue
				}
				fmt.Println(p.NewMessage)
				printed = p.Logs
			case protocol.DeployEnd:
				var end protocol.End
				if json.Unmarshal(ev.Data, &end) != nil || end.QueueID != queueID {
					continue
				}
				if end.FinalStatus != store.QueueCompleted {
					return fmt.Errorf("deployment %s %s", queueID, end.FinalStatus)
				}
				success("Deployment %s completed", queueID)
				return nil
			}
		}
	}
}
