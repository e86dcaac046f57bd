// ABOUTME: Entry point for the relay-gateway server
// ABOUTME: serve runs the relay; health and agents query a running instance

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func printUsage() {
	fmt.Println("Usage: relay-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the relay server")
	fmt.Println("  health     Check relay health")
	fmt.Println("  agents     List registered agents")
	fmt.Println("  version    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses --config for a subcommand and loads the file it names.
func loadConfig(name string, args []string) (*config.Config, string, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", getConfigPath(), "path to relay.yaml")
	if err := flags.Parse(args); err != nil {
		return nil, "", err
	}
	if flags.NArg() > 0 {
		return nil, "", fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, *configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	cfg, configPath, err := loadConfig("serve", args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	grpcAddr := cfg.Server.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = "(disabled)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", grpcAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Uploads:   %s\n", cfg.Uploads.Dir)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	for _, sink := range enabledSinks(cfg.Sinks) {
		green.Print("    ▶ ")
		fmt.Printf("Sink:      %s\n", sink)
	}
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func enabledSinks(cfg config.SinksConfig) []string {
	var out []string
	if cfg.NATS.Enabled {
		out = append(out, "nats "+cfg.NATS.URL+" -> "+cfg.NATS.Subject)
	}
	if cfg.Redis.Enabled {
		out = append(out, "redis "+cfg.Redis.Addr+" -> "+cfg.Redis.Channel)
	}
	return out
}

// baseURL is where a local relay serves HTTP, with a wildcard bind mapped to loopback.
func baseURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = "127.0.0.1:" + port
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, url string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig("health", args)
	if err != nil {
		return err
	}

	code, err := getJSON(ctx, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}

	color.Green("healthy")
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig("agents", args)
	if err != nil {
		return err
	}

	var agents []wire.AgentView
	code, err := getJSON(ctx, baseURL(cfg)+"/api/agents", &agents)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("listing agents: status %d", code)
	}

	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST\tSTATE\tLAST CONTACT")
	for _, a := range agents {
		state := color.HiBlackString("offline")
		if a.Online {
			state = color.GreenString("online")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Hostname, state, a.LastContact.Local().Format(time.DateTime))
	}
	return w.Flush()
}
