// ABOUTME: Fake agent for end-to-end testing of coven-relay
// ABOUTME: Registers, holds a push channel, polls, and answers every command with "echo: <text>"

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a TOML config file")
	url := flags.String("url", "", "relay base URL (overrides gateway.url)")
	name := flags.String("name", "", "agent name (overrides agent.name)")
	id := flags.String("id", "", "reuse an existing agent id (overrides agent.id)")
	noPush := flags.Bool("no-push", false, "poll only")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := Load(*configPath)
	if err != nil {
		return err
	}
	if *url != "" {
		cfg.Gateway.URL = *url
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}
	if *id != "" {
		cfg.Agent.ID = *id
	}
	if *noPush {
		off := false
		cfg.Agent.Push = &off
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := newRunner(cfg, logger)
	logger.Info("fake agent starting", "relay", cfg.Gateway.URL, "name", cfg.Agent.Name, "push", cfg.PushEnabled())
	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info("fake agent stopped", "agent_id", runner.AgentID())
	return nil
}

func newRunner(cfg *Config, logger *slog.Logger) *client.Runner {
	c := client.New(cfg.Gateway.URL, client.Options{}, logger)
	return client.NewRunner(c, client.EchoExecutor{}, client.RunnerConfig{
		AgentID: cfg.Agent.ID,
		Metadata: store.AgentMetadata{
			Name:     cfg.Agent.Name,
			OS:       cfg.Agent.OS,
			Username: cfg.Agent.User,
			Hostname: cfg.Agent.Hostname,
			Tags:     cfg.Agent.Tags,
		},
		PollInterval: cfg.Poll.Interval.Duration,
		PollLimit:    cfg.Poll.Limit,
		Push:         cfg.PushEnabled(),
	}, logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
