// Package cli implements the talkflow command line.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	config *config.Config
	logger zerolog.Logger
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "talkflow",
		Short:         "Voice-driven workflow runner",
		Long:          "Runs workflows over dictated transcripts, tracks captures and syncs memos.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $TALKFLOW_CONFIG or ~/.talkflow/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewLiveCommand(opts))
	cmd.AddCommand(NewCapturesCommand(opts))

	return cmd
}

// load reads the config and sets up logging. An explicit --config must
// exist; the default path is optional.
func (o *RootOptions) load() error {
	path := o.ConfigPath
	if path == "" {
		path = config.DefaultPath()
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	o.config = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	o.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
