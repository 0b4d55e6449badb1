package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/drain"
	"github.com/roach88/offsync/internal/engine"
)

// DrainResult is the output of the drain command.
type DrainResult struct {
	Published int    `json:"published"`
	Remaining int    `json:"remaining"`
	HaltedAt  *int64 `json:"halted_at,omitempty"`
	Offline   bool   `json:"offline,omitempty"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send queued requests to the server now",
		Long: `Run one drain cycle: send queued requests oldest first, removing each
one once the server accepts it. The cycle halts at the first request the
server rejects or cannot be reached for; that request stays queued.

Exits 1 when the server is unreachable or the cycle halted.

Example:
  offsync drain --server https://api.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(rootOpts, cmd)
		},
	}
}

func runDrain(opts *RootOptions, cmd *cobra.Command) error {
	return opts.withEngine(func(eng *engine.Engine) error {
		f := opts.formatter(cmd)
		res, err := drainOnce(cmd, eng)
		if err != nil {
			return err
		}

		if f.Structured() {
			if err := f.Success(res); err != nil {
				return err
			}
		} else {
			printDrain(f, res)
		}
		return drainExitError(res)
	})
}

func drainOnce(cmd *cobra.Command, eng *engine.Engine) (DrainResult, error) {
	ctx := commandContext(cmd)
	cycle, err := eng.Scheduler().DrainNow(ctx)
	if err != nil {
		return DrainResult{}, opError("drain failed", err)
	}
	reqs, err := eng.PendingRequests(ctx)
	if err != nil {
		return DrainResult{}, opError("failed to read queue", err)
	}
	return summarizeDrain(cycle, len(reqs)), nil
}

func summarizeDrain(cycle drain.Result, remaining int) DrainResult {
	res := DrainResult{
		Published: len(cycle.Published),
		Remaining: remaining,
		Offline:   cycle.Offline,
	}
	if cycle.Failed != nil {
		seq := cycle.Failed.Sequence
		res.HaltedAt = &seq
	}
	return res
}

func printDrain(f *OutputFormatter, res DrainResult) {
	switch {
	case res.Offline:
		fmt.Fprintf(f.Writer, "✗ Server unreachable; %d request(s) still queued\n", res.Remaining)
	case res.HaltedAt != nil:
		fmt.Fprintf(f.Writer, "✗ Sent %d request(s); halted at #%d, %d still queued\n",
			res.Published, *res.HaltedAt, res.Remaining)
	default:
		fmt.Fprintf(f.Writer, "✓ Sent %d request(s); %d still queued\n", res.Published, res.Remaining)
	}
}

func drainExitError(res DrainResult) error {
	switch {
	case res.Offline:
		return NewExitError(ExitFailure, "server unreachable")
	case res.HaltedAt != nil:
		return NewExitError(ExitFailure, fmt.Sprintf("drain halted at request #%d", *res.HaltedAt))
	}
	return nil
}
