// ABOUTME: Entry point for the flock-node worker daemon
// ABOUTME: Connects to the gateway, executes dispatched tasks, and reports results

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/flockhq/flock-gateway/internal/config"
	"github.com/flockhq/flock-gateway/internal/nodectl"
)

var version = "dev"

// getConfigPath returns the node config path.
// Priority: FLOCK_NODE_CONFIG env var > XDG_CONFIG_HOME/flock/node.yaml > ~/.config/flock/node.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLOCK_NODE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "node.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "flock", "node.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: flock-node <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run        Connect to the gateway and serve tasks")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runNode(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Node:    %s (%s)\n", cfg.NodeID, cfg.Name)
	green.Print("  ▶ ")
	fmt.Printf("Gateway: %s\n", cfg.GatewayURL)
	if len(cfg.Capabilities) > 0 {
		green.Print("  ▶ ")
		fmt.Printf("Capabilities: %v\n", cfg.Capabilities)
	}
	fmt.Println()

	ctl := nodectl.NewController(cfg, nil, logger)
	return ctl.Run(ctx)
}
