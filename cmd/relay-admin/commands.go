// ABOUTME: relay-admin subcommands
// ABOUTME: Renders agents, commands, files and stats as tables or detail blocks

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/wire"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func onlineLabel(online bool) string {
	if online {
		return color.GreenString("online")
	}
	return color.HiBlackString("offline")
}

func statusLabel(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func cmdAgents(ctx context.Context, a *api) error {
	agents, err := a.agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tOS\tUSER@HOST\tSTATE\tLAST CONTACT")
	for _, ag := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s@%s\t%s\t%s\n",
			ag.ID, ag.Name, ag.OS, ag.Username, ag.Hostname, onlineLabel(ag.Online), ago(ag.LastContact))
	}
	return w.Flush()
}

func cmdShow(ctx context.Context, a *api, id string) error {
	detail, err := a.agent(ctx, id)
	if err != nil {
		return fmt.Errorf("getting agent: %w", err)
	}

	cyan := color.New(color.FgCyan)
	ag := detail.Agent

	fmt.Println()
	cyan.Println("  Agent")
	cyan.Println("  -----")
	fmt.Printf("  ID:            %s\n", ag.ID)
	fmt.Printf("  Name:          %s\n", ag.Name)
	fmt.Printf("  OS:            %s\n", ag.OS)
	fmt.Printf("  User:          %s\n", ag.Username)
	fmt.Printf("  Host:          %s (%s)\n", ag.Hostname, ag.IPAddress)
	if len(ag.Tags) > 0 {
		fmt.Printf("  Tags:          %v\n", ag.Tags)
	}
	fmt.Printf("  State:         %s\n", onlineLabel(ag.Online))
	fmt.Printf("  Last contact:  %s\n", ago(ag.LastContact))
	fmt.Printf("  Registered:    %s\n", ag.CreatedAt.Local().Format(time.DateTime))
	fmt.Println()

	if len(detail.Commands) > 0 {
		cyan.Println("  Recent commands")
		printCommands(os.Stdout, detail.Commands)
		fmt.Println()
	}
	if len(detail.Files) > 0 {
		cyan.Println("  Files")
		printFiles(os.Stdout, detail.Files)
		fmt.Println()
	}
	return nil
}

func printCommands(out io.Writer, cmds []wire.CommandView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tCOMMAND\tRESULT\tISSUED")
	for _, c := range cmds {
		result := ""
		if c.Result != nil {
			result = truncate(*c.Result, 40)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", c.ID, statusLabel(c.Status), truncate(c.Text, 40), result, ago(c.CreatedAt))
	}
	_ = w.Flush()
}

func printFiles(out io.Writer, files []wire.FileView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCATEGORY\tNAME\tSIZE\tPATH")
	for _, f := range files {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", f.ID, f.Category, f.Filename, f.SizeBytes, f.StoredPath)
	}
	_ = w.Flush()
}

func cmdDelete(ctx context.Context, a *api, id string) error {
	if err := a.deleteAgent(ctx, id); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	color.Green("  ✓ Deleted agent %s", id)
	return nil
}

func cmdIssue(ctx context.Context, a *api, agentID, text string, wait bool) error {
	resp, err := a.issue(ctx, agentID, text)
	if err != nil {
		return fmt.Errorf("issuing command: %w", err)
	}

	how := "queued for polling"
	if resp.Delivered {
		how = "pushed"
	}
	color.Green("  ✓ Command %s %s", resp.Command.ID, how)
	if !wait {
		return nil
	}

	cmd, err := waitForResult(ctx, a, resp.Command.ID, time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("  %s\n", statusLabel(cmd.Status))
	if cmd.Result != nil {
		fmt.Println(*cmd.Result)
	}
	return nil
}

// waitForResult polls a command until it leaves pending or ctx ends.
func waitForResult(ctx context.Context, a *api, id string, every time.Duration) (*wire.CommandView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		cmd, err := a.command(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("getting command: %w", err)
		}
		if cmd.Status != "pending" {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func cmdHistory(ctx context.Context, a *api, agentID string, limit int) error {
	cmds, err := a.history(ctx, agentID, limit)
	if err != nil {
		return fmt.Errorf("getting history: %w", err)
	}
	if len(cmds) == 0 {
		fmt.Println("No commands.")
		return nil
	}
	printCommands(os.Stdout, cmds)
	return nil
}

func cmdFiles(ctx context.Context, a *api, agentID string) error {
	files, err := a.files(ctx, agentID)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("No files.")
		return nil
	}
	printFiles(os.Stdout, files)
	return nil
}

func cmdCommand(ctx context.Context, a *api, id string) error {
	cmd, err := a.command(ctx, id)
	if err != nil {
		return fmt.Errorf("getting command: %w", err)
	}

	fmt.Printf("  ID:        %s\n", cmd.ID)
	fmt.Printf("  Agent:     %s\n", cmd.AgentID)
	fmt.Printf("  Command:   %s\n", cmd.Text)
	fmt.Printf("  Status:    %s\n", statusLabel(cmd.Status))
	fmt.Printf("  Issued:    %s\n", cmd.CreatedAt.Local().Format(time.DateTime))
	if cmd.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", cmd.CompletedAt.Local().Format(time.DateTime))
	}
	if cmd.Result != nil {
		fmt.Println()
		fmt.Println(*cmd.Result)
	}
	return nil
}

func cmdStats(ctx context.Context, a *api) error {
	s, err := a.stats(ctx)
	if err != nil {
		return fmt.Errorf("getting stats: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Relay")
	cyan.Println("  -----")
	fmt.Printf("  Agents:       %d (%d online, %d with push channels)\n", s.TotalAgents, s.OnlineAgents, s.AgentChannels)
	fmt.Printf("  Commands:     %d (%d pending)\n", s.TotalCommands, s.PendingCommands)
	fmt.Printf("  Files:        %d (%.2f MB)\n", s.TotalFiles, s.TotalStorageMB)
	fmt.Printf("  Observers:    %d\n", s.ObserverChannels)
	fmt.Printf("  Events:       %d\n", s.EventsPublished)
	fmt.Printf("  Deliveries:   agents %d ok / %d failed, observers %d ok / %d failed\n",
		s.Delivery.AgentDelivered, s.Delivery.AgentFailed, s.Delivery.ObserverDelivered, s.Delivery.ObserverFailed)
	fmt.Println()
	return nil
}

func cmdWatch(ctx context.Context, a *api) error {
	err := a.events(ctx, func(env *wire.Envelope) {
		fmt.Println(describeEvent(env))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// describeEvent renders one envelope as a single line.
func describeEvent(env *wire.Envelope) string {
	ts := env.Timestamp.Local().Format("15:04:05")
	kind := color.CyanString("%-16s", env.Type)

	switch env.Type {
	case wire.KindInit:
		n := 0
		if env.Snapshot != nil {
			n = len(env.Snapshot.Agents)
		}
		return fmt.Sprintf("%s %s %d agents", ts, kind, n)
	case wire.KindAgentRegistered, wire.KindAgentOnline, wire.KindAgentOffline:
		name := ""
		if env.Agent != nil {
			name = env.Agent.Name
		}
		return fmt.Sprintf("%s %s %s %s", ts, kind, env.AgentID, name)
	case wire.KindCommandIssued, wire.KindCommandResult:
		if env.Command != nil {
			return fmt.Sprintf("%s %s %s %s %q", ts, kind, env.Command.ID, statusLabel(env.Command.Status), truncate(env.Command.Text, 60))
		}
	case wire.KindFileIngested:
		if env.File != nil {
			return fmt.Sprintf("%s %s %s %s (%d bytes)", ts, kind, env.AgentID, env.File.Filename, env.File.SizeBytes)
		}
	}
	return fmt.Sprintf("%s %s %s", ts, kind, env.AgentID)
}
