package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/event"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Drain the queue whenever the server is reachable",
		Long: `Poll connectivity and drain the request queue whenever the server is
reachable, until interrupted. Every cache change and drained batch is
logged to stderr.

Example:
  offsync watch --server https://api.example.com --interval 2s
  OFFSYNC_PROBE_URL=https://api.example.com/health offsync watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, cmd)
		},
	}

	cmd.Flags().Duration("interval", 0, "connectivity poll interval (default from config, 5s)")
	if rootOpts.v != nil {
		_ = rootOpts.v.BindPFlag("probe.interval", cmd.Flags().Lookup("interval"))
	}

	return cmd
}

func runWatch(opts *RootOptions, cmd *cobra.Command) error {
	// Lifecycle events are the point of this command, so log at Info.
	opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelInfo)
	logger := opts.logger

	return opts.withEngine(func(eng *engine.Engine) error {
		unsubObjects := event.Subscribe(eng.Bus(), event.ObjectChanged, func(c event.ObjectChange) {
			if c.Object == nil {
				logger.Info("object removed", "id", c.ID)
				return
			}
			logger.Info("object changed", "id", c.ID, "kind", c.Object.Kind, "origin", c.Object.Origin)
		})
		defer unsubObjects()

		unsubDrains := event.Subscribe(eng.Bus(), event.QueueDrained, func(d event.QueueDrain) {
			last := d.Published[len(d.Published)-1]
			logger.Info("queue drained", "published", len(d.Published), "last_sequence", last.Sequence)
		})
		defer unsubDrains()

		ctx, cancel := context.WithCancel(commandContext(cmd))
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "Watching. %d request(s) queued; status %s.\n",
			countPending(ctx, eng), eng.Status())
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return WrapExitError(ExitFailure, "engine error", err)
		}

		logger.Info("watch stopped", "status", eng.Status())
		return nil
	})
}

func countPending(ctx context.Context, eng *engine.Engine) int {
	reqs, err := eng.PendingRequests(ctx)
	if err != nil {
		return 0
	}
	return len(reqs)
}
