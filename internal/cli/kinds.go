package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
)

// KindInfo describes one declared entity kind.
type KindInfo struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
}

// NewKindsCommand creates the kinds command.
func NewKindsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List declared entity kinds",
		Long: `List the entity kinds the engine knows, with the REST resource each
kind's writes are sent to. Kinds come from the built-in declarations or
from the CUE file given with --kinds.

Example:
  offsync kinds --kinds ./kinds.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKinds(rootOpts, cmd)
		},
	}
}

func runKinds(opts *RootOptions, cmd *cobra.Command) error {
	return opts.withEngine(func(eng *engine.Engine) error {
		reg := eng.Kinds()
		infos := make([]KindInfo, 0, len(reg.Names()))
		for _, name := range reg.Names() {
			k, _ := reg.Lookup(name)
			infos = append(infos, KindInfo{Name: k.Name, Resource: k.Resource})
		}

		f := opts.formatter(cmd)
		if f.Structured() {
			return f.Success(infos)
		}
		for _, info := range infos {
			fmt.Fprintf(f.Writer, "%-16s %s\n", info.Name, info.Resource)
		}
		return nil
	})
}
