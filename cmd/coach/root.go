package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/koscakluka/ema-coach/core/config"
	"github.com/koscakluka/ema-coach/core/session"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	topic      string

	config  *config.Config
	logFile *os.File
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "coach",
		Short:         "Practice interviews and group discussions out loud",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.topic != "" {
				cfg.Session.Topic = opts.topic
			}
			opts.config = cfg

			return opts.setupLogging()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.logFile != nil {
				return opts.logFile.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.topic, "topic", "", "override the session topic")

	root.AddCommand(
		newModuleCommand(opts, session.ModuleInterview, "Run a one-on-one interview with a live interviewer"),
		newModuleCommand(opts, session.ModuleDiscussion, "Run a group discussion with several personas"),
	)
	return root
}

func newModuleCommand(opts *rootOptions, kind session.ModuleKind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.config.RequireKeys(kind); err != nil {
				return fmt.Errorf("missing credentials: %w", err)
			}
			return run(cmd.Context(), opts.config, kind)
		},
	}
}

// setupLogging sends logs to a file; the terminal belongs to the UI.
func (o *rootOptions) setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(o.config.Logging.Level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.config.Logging.Level, err)
	}

	f, err := os.OpenFile(o.config.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	o.logFile = f
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return nil
}
