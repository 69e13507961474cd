package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/logs"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/upstream"
)

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec <server> <command...>",
	Short: "Run one command on a configured server and print the reply",
	Long: `Connect to one server, authenticate, run a single command and print
the response body. Nothing is retried: a rejected password or an unreachable
server is reported immediately.

Examples:
  rconbridge exec prod /players online
  rconbridge exec staging "/sc rcon.print(game.tick)"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 15*time.Second, "overall time limit for connect and command")
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tag := args[0]
	command := strings.Join(args[1:], " ")

	serverCfg := cfg.Server(tag)
	if serverCfg == nil {
		return fmt.Errorf("%w %q", upstream.ErrUnknownServer, tag)
	}

	logger, err := cliLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := oneShotRegistry(cfg, logger)
	defer closeRegistry(registry)
	if err := registry.Register(serverCfg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), execTimeout)
	defer cancel()

	if err := registry.ClientFor(tag).Connect(ctx); err != nil {
		return fmt.Errorf("%s: %s: %w", tag, rcon.Describe(err), err)
	}
	out, err := registry.Execute(ctx, tag, command)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", tag, rcon.Describe(err), err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
	return nil
}

// cliLogger logs to the console at warn unless the configuration asks for
// more, so one-shot commands keep stdout for their result.
func cliLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := *cfg.Logging
	logCfg.EnableFile = false
	logCfg.EnableConsole = true
	if logs.ParseLevel(logCfg.Level) < zap.WarnLevel && logLevel == "" {
		logCfg.Level = logs.LogLevelWarn
	}
	return logs.Setup(&logCfg)
}

// oneShotRegistry builds a registry that neither reconnects on its own nor polls.
func oneShotRegistry(cfg *config.Config, logger *zap.Logger) *upstream.Registry {
	opts := upstream.OptionsFromConfig(cfg)
	opts.AutoConnect = false
	opts.PollMetrics = false
	opts.Logger = logger
	return upstream.NewRegistry(opts)
}

func closeRegistry(r *upstream.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ServerDisconnectTimeout)
	defer cancel()
	_ = r.Close(ctx)
}
