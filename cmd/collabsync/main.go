package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/collabsync/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "collabsync:", err)
		stop()
		os.Exit(1)
	}
}

// rootOptions holds global flags and the state PersistentPreRunE prepares
// for subcommands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool

	cfg config.Config
	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "collabsync",
		Short:         "Keep a local mirror of a project's tasks, chat and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = newLogger(cmd.ErrOrStderr(), opts.Verbose || cfg.Debug)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("COLLABSYNC_CONFIG"), "YAML config file (env still overrides it)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newDevServerCommand(opts))
	return cmd
}

func newLogger(w io.Writer, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
