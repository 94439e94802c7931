// Package cli implements the medsync command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medislot/medsync/internal/client"
	"github.com/medislot/medsync/internal/config"
	"github.com/medislot/medsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	Format    string // "json" | "text"
	Timeout   time.Duration

	// Config and Client override what the commands load and build (for testing).
	Config *config.Config
	Client client.Options
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medsync",
		Short: "Offline-first document sync for medical scheduling",
		Long: `medsync keeps appointment and patient documents writable while the
backend is unreachable. Writes made offline are queued on disk and replayed
in order once connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigDir, "config", "c", "configs", "configuration directory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "timeout for startup and one-shot commands")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.Config != nil {
		return o.Config, nil
	}
	cfg, err := config.LoadConfig(o.ConfigDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// withClient runs fn against an initialized client and closes it afterwards.
// One-shot commands log to stderr so their output stays parseable.
func (o *RootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	copts := o.Client
	if copts.Logger == nil {
		logger, err := logging.NewLogger(cfg.Logging, cmd.ErrOrStderr())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up logging", err)
		}
		copts.Logger = logger
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	// Replay is the daemon's job; sync triggers it explicitly.
	oneShot := *cfg
	off := false
	oneShot.Sync.AutoSync = &off
	oneShot.Sync.Interval = 0

	c := client.New(&oneShot, copts)
	if err := c.Initialize(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer func() {
		if err := c.Close(context.Background()); err != nil {
			copts.Logger.Warn("Close failed", "error", err)
		}
	}()
	return fn(ctx, c)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
