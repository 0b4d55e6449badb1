package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/record"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	Status  engine.Status `json:"status"`
	Pending int           `json:"pending"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and pending-change state",
		Long: `Show whether the server is reachable and how many writes are queued.

The status is "offline" when the server cannot be reached, "pending" when
it can and writes are waiting to be drained, and "synced" otherwise.

Example:
  offsync status --server https://api.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	return opts.withEngine(func(eng *engine.Engine) error {
		reqs, err := eng.PendingRequests(commandContext(cmd))
		if err != nil {
			return opError("failed to read queue", err)
		}
		res := StatusResult{Status: eng.Status(), Pending: len(reqs)}

		f := opts.formatter(cmd)
		if f.Structured() {
			return f.Success(res)
		}
		fmt.Fprintf(f.Writer, "Status:  %s\n", res.Status)
		fmt.Fprintf(f.Writer, "Pending: %d\n", res.Pending)
		return nil
	})
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued requests in replay order",
		Long: `List the requests waiting in the local queue, oldest first.

Example:
  offsync pending --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(rootOpts, cmd)
		},
	}
}

func runPending(opts *RootOptions, cmd *cobra.Command) error {
	return opts.withEngine(func(eng *engine.Engine) error {
		reqs, err := eng.PendingRequests(commandContext(cmd))
		if err != nil {
			return opError("failed to read queue", err)
		}

		f := opts.formatter(cmd)
		if f.Structured() {
			return f.Success(reqs)
		}
		if len(reqs) == 0 {
			fmt.Fprintln(f.Writer, "No pending requests.")
			return nil
		}
		for _, req := range reqs {
			printRequest(f, req)
		}
		return nil
	})
}

func printRequest(f *OutputFormatter, req record.QueuedRequest) {
	fmt.Fprintf(f.Writer, "#%d  %-6s %s", req.Sequence, req.Method, req.URL)
	if len(req.Body) > 0 {
		fmt.Fprintf(f.Writer, "  %s", req.Body)
	}
	fmt.Fprintln(f.Writer)
}
