// CLAUDE:SUMMARY Entry point: cobra root with bot (Telegram capture), sync (portal reconciliation), decode and mcp commands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/claimsync/config"
)

var version = "dev"

// app carries what every command needs once the root has run.
type app struct {
	cfgFile  string
	envFile  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "claimsync",
		Short:         "Turn photographed claim forms into portal attachments",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file (env CONFIG_FILE)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", ".env file; a missing file is ignored")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log_level")

	root.AddCommand(botCmd(a), syncCmd(a), decodeCmd(a), mcpCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile, a.envFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	// Logs go to stderr when stdout carries a protocol (mcp).
	w := io.Writer(os.Stdout)
	if cmd.Name() == "mcp" {
		w = os.Stderr
	}
	a.logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(&app{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "claimsync:", err)
		os.Exit(1)
	}
}
