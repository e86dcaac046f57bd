// ABOUTME: Admin CLI for coven-relay agents and commands
// ABOUTME: Talks to the relay's HTTP API; watch follows the live event stream

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
)

const banner = `
                                  _           _
  _ __ ___| | __ _ _   _       __ _| |_ __ ___ (_)_ __
 | '__/ _ \ |/ _' | | | |____ / _' | | '_ ' _ \| | '_ \
 | | |  __/ | (_| | |_| |____| (_| | | | | | | | | | | |
 |_|  \___|_|\__,_|\__, |     \__,_|_|_| |_| |_|_|_| |_|
                   |___/
`

const defaultURL = "http://localhost:8000"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	err := run(ctx, cmd, args)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	flags := pflag.NewFlagSet("relay-admin "+cmd, pflag.ContinueOnError)
	url := flags.StringP("url", "u", relayURL(), "relay base URL")
	limit := flags.IntP("limit", "n", 0, "maximum rows to show (0 uses the relay default)")
	wait := flags.BoolP("wait", "w", false, "issue: wait for the result")
	if err := flags.Parse(args); err != nil {
		return err
	}

	api := newAPI(*url)
	rest := flags.Args()

	switch cmd {
	case "agents":
		return cmdAgents(ctx, api)
	case "show":
		id, err := oneArg(rest, "show <agent-id>")
		if err != nil {
			return err
		}
		return cmdShow(ctx, api, id)
	case "delete":
		id, err := oneArg(rest, "delete <agent-id>")
		if err != nil {
			return err
		}
		return cmdDelete(ctx, api, id)
	case "issue":
		if len(rest) < 2 {
			return fmt.Errorf("usage: issue <agent-id> <command text...>")
		}
		return cmdIssue(ctx, api, rest[0], strings.Join(rest[1:], " "), *wait)
	case "history":
		id, err := oneArg(rest, "history <agent-id>")
		if err != nil {
			return err
		}
		return cmdHistory(ctx, api, id, *limit)
	case "files":
		id, err := oneArg(rest, "files <agent-id>")
		if err != nil {
			return err
		}
		return cmdFiles(ctx, api, id)
	case "command":
		id, err := oneArg(rest, "command <command-id>")
		if err != nil {
			return err
		}
		return cmdCommand(ctx, api, id)
	case "stats":
		return cmdStats(ctx, api)
	case "watch":
		return cmdWatch(ctx, api)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// relayURL is RELAY_URL, or the local default.
func relayURL() string {
	if u := os.Getenv("RELAY_URL"); u != "" {
		return u
	}
	return defaultURL
}

func oneArg(args []string, usage string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: %s", usage)
	}
	return args[0], nil
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: relay-admin <command> [args] [--url URL]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  agents                        List agents, most recently seen first")
	fmt.Println("  show <agent-id>               Show an agent with recent commands and files")
	fmt.Println("  delete <agent-id>             Delete an agent and its history")
	fmt.Println("  issue <agent-id> <text...>    Queue a command (--wait for the result)")
	fmt.Println("  history <agent-id>            Command history, newest first (--limit)")
	fmt.Println("  files <agent-id>              Files an agent uploaded")
	fmt.Println("  command <command-id>          Show one command")
	fmt.Println("  stats                         Relay totals")
	fmt.Println("  watch                         Follow live events")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Printf("  RELAY_URL                     Relay base URL (default: %s)\n", defaultURL)
	fmt.Println()
}
