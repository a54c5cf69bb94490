// Package cli implements the cardsyncd command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/cardsyncd/internal/auth"
	"github.com/kilupskalvis/cardsyncd/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cardsyncd",
	Short: "Self-hosted Anki sync server",
	Long: `cardsyncd is a self-hosted sync server for Anki clients. It speaks the
collection and media sync protocols, storing each user's collection and
media under its own directory.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		envOrDefault("CARDSYNCD_CONFIG", "cardsyncd.toml"), "Path to the config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(purgeCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Run: func(_ *cobra.Command, _ []string) {
		cfg, err := config.Initialize(configPath)
		if err != nil {
			exitError("%v", err)
		}
		fmt.Printf("Wrote default config to %s (data root: %s)\n", configPath, cfg.DataRoot)
	},
}

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Users  *auth.UserStore
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Users != nil {
		c.Users.Close()
	}
}

// initContext loads the config and opens the user store. A missing config
// file falls back to defaults so the first run works without setup.
func initContext() *cmdContext {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		exitError("%v", err)
	}
	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		exitError("failed to create data root: %v", err)
	}

	users, err := auth.OpenUserStore(cfg.UsersDBPath())
	if err != nil {
		exitError("failed to open user store: %v", err)
	}

	return &cmdContext{Config: cfg, Users: users}
}

// exitError prints an error and exits
func exitError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
