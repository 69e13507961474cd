package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"rconbridge-go/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rconbridge",
	Short: "rconbridge - supervised RCON connections, metrics and connectivity alerts",
	Long: `rconbridge keeps one authenticated RCON connection per configured game
server, reconnecting with backoff when it drops. It samples players, UPS and
evolution on each server, raises debounced connectivity alerts, and exposes
everything over a small ops HTTP surface.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rconbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rconbridge.yaml", "configuration file (JSON, YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rconbridge %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the configuration file with command-line overrides bound
// on top of it. Flags win over RCONBRIDGE_* variables, which win over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if f := cmd.Flags().Lookup("log-level"); f != nil {
		if err := v.BindPFlag("logging.level", f); err != nil {
			return nil, err
		}
	}
	if f := cmd.Flags().Lookup("listen"); f != nil {
		if err := v.BindPFlag("listen", f); err != nil {
			return nil, err
		}
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	return config.Decode(v, filepath.Dir(configPath))
}
