// ABOUTME: Entry point for coven-relay, the host/guest message relay server
// ABOUTME: Dispatches the serve, init, health, presence, and token subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

const usage = `Usage: coven-relay <command> [flags]

Commands:
  serve      Start the relay server
  init       Write a default config file
  health     Check relay readiness
  presence   List live host and guest sessions
  token      Mint an operator token for the admin API
`

// getConfigPath returns the path to the relay config file.
// Priority: --config flag > COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
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

// loadConfig reads the config at path. A missing file yields the defaults
// unless the path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, args[1:], stdout)
	case "init":
		err = runInit(args[1:], stdout)
	case "health":
		err = runHealth(ctx, args[1:], stdout)
	case "presence":
		err = runPresence(ctx, args[1:], stdout)
	case "token":
		err = runToken(args[1:], stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "coven-relay %s\n", version)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n%s", args[0], usage)
		return 1
	}

	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath(*configFlag)

	cyan := color.New(color.FgCyan)
	cyan.Fprint(stdout, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(stdout, "    version: %s\n\n", version)

	cfg, err := loadConfig(configPath, *configFlag != "")
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, stdout)

	green := color.New(color.FgGreen)
	green.Fprint(stdout, "    ▶ ")
	fmt.Fprintf(stdout, "Config:    %s\n", configPath)
	green.Fprint(stdout, "    ▶ ")
	fmt.Fprintf(stdout, "HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Fprint(stdout, "    ▶ ")
		fmt.Fprintf(stdout, "gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Fprint(stdout, "    ▶ ")
	fmt.Fprintf(stdout, "Store:     %s\n", cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Fprint(stdout, "    ▶ ")
		fmt.Fprint(stdout, "Tailscale: ")
		cyan.Fprint(stdout, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(stdout, " (ephemeral)")
		}
		fmt.Fprintln(stdout)
	}
	fmt.Fprintln(stdout)

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
