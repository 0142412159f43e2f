// ABOUTME: Entry point for harbor-gateway, the message and deployment gateway
// ABOUTME: cobra commands for serving plus small clients for a running gateway

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/gateway"
)

// Set by the release build.
var version = "dev"

const banner = `
  _                _                                _
 | |__   __ _ _ __| |__   ___  _ __ ___  __ _  __ _| |_ _____      ____ _ _   _
 | '_ \ / _' | '__| '_ \ / _ \| '__/ __|/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | (_| | |  | |_) | (_) | | | (_ | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_|\__,_|_|  |_.__/ \___/|_|  \___|\__,_|\__,_|\__\___| \_/\_/ \__,_|\__, |
                                                                          |___/
`

var configFlag string

// getConfigPath returns the path to the gateway config file.
// Priority: --config > HARBOR_CONFIG > XDG_CONFIG_HOME/harbor/gateway.yaml > ~/.config/harbor/gateway.yaml
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if envPath := os.Getenv("HARBOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "harbor", "gateway.yaml")
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	gateway.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "harbor-gateway",
		Short:         "Message and deployment gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $HARBOR_CONFIG or $XDG_CONFIG_HOME/harbor/gateway.yaml)")

	root.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newAppsCmd(),
		newDeployCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.URL)
	green.Print("    ▶ ")
	fmt.Printf("Registry:  %s (%s)\n", cfg.Registry.Path, cfg.Registry.Backend)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
		green.Print("    ▶ ")
		fmt.Printf("WebSocket: %s\n", cfg.Server.WSAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("auth disabled: mutating routes are open")
	}
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	logger.Info("starting harbor-gateway", "config", configPath, "version", version)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the deploy and registry routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			cfg, configPath, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
			}

			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Issue(subject, ttl, scopes...)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded as the deploy trigger")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "restrict the token (apps, deploy); repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harbor-gateway %s\n", version)
		},
	}
}
