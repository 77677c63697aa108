package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"appdeck/internal/client"
	"appdeck/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	defaultCallTimeout = 30 * time.Second
	dialTimeout        = 10 * time.Second
)

var (
	serverURL   string
	callTimeout time.Duration
	jsonOutput  bool
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func connect(cmd *cobra.Command) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	return client.Dial(ctx, serverURL, nil)
}

// callOnce opens a connection, makes one call and closes it.
func callOnce(cmd *cobra.Command, channel string, payload, out any) error {
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return call(cmd, c, channel, payload, out)
}

func call(cmd *cobra.Command, c *client.Client, channel string, payload, out any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return c.Call(ctx, channel, payload, out)
}

// show prints v as JSON when --json is set and calls pretty otherwise.
func show(v any, pretty func()) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	pretty()
	return nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func statusColor(status string) string {
	switch status {
	case store.AppRunning, store.QueueCompleted, store.RecordSuccess, "active":
		return green(status)
	case store.AppFailed: // store.QueueFailed has the same value ("failed")
		return red(status)
	case store.QueueQueued, store.QueueBuilding:
		return yellow(status)
	default:
		return status
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func success(format string, args ...any) {
	fmt.Printf("%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

// parseEnvPairs turns KEY=VALUE arguments into a map.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
