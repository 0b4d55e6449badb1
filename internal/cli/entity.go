package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/syncer"
)

// ReadOptions holds flags for list and get.
type ReadOptions struct {
	*RootOptions
	Sync bool
}

// WriteOptions holds flags for create, update, set and delete.
type WriteOptions struct {
	*RootOptions
	Data  string
	Drain bool
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List cached entities of a kind",
		Long: `List the cached entities of a kind, ordered by id.

With --sync the server's collection is fetched first and written over the
cache. A failed fetch leaves the cache untouched.

Example:
  offsync list Project --sync`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "fetch from the server before reading")
	return cmd
}

func runList(opts *ReadOptions, kind string, cmd *cobra.Command) error {
	return withFacade(opts.RootOptions, kind, func(_ *engine.Engine, fc *syncer.Facade) error {
		entities, err := fc.List(commandContext(cmd), opts.Sync)
		if err != nil {
			return opError("list failed", err)
		}

		f := opts.formatter(cmd)
		if f.Structured() {
			return f.Success(entities)
		}
		if len(entities) == 0 {
			fmt.Fprintf(f.Writer, "No %s entities cached.\n", kind)
			return nil
		}
		for _, e := range entities {
			if err := printEntity(f, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one cached entity",
		Long: `Show one cached entity. Exits 1 when it is not cached.

With --sync the server's copy is fetched first and written over the cache.

Example:
  offsync get Project 0191f3a2-7c4e-7b1a-9d2e-5f6a7b8c9d0e --sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "fetch from the server before reading")
	return cmd
}

func runGet(opts *ReadOptions, kind, id string, cmd *cobra.Command) error {
	return withFacade(opts.RootOptions, kind, func(_ *engine.Engine, fc *syncer.Facade) error {
		e, ok, err := fc.Get(commandContext(cmd), id, opts.Sync)
		if err != nil {
			return opError("get failed", err)
		}
		if !ok {
			return NewExitError(ExitFailure, fmt.Sprintf("%s %s not found", kind, id))
		}

		f := opts.formatter(cmd)
		if f.Structured() {
			return f.Success(e)
		}
		return printEntity(f, e)
	})
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create an entity and queue the POST",
		Long: `Create an entity in the local cache and queue a POST to the kind's
collection. An id is generated when --data carries none.

The request is sent by the next drain, or right away with --drain.

Example:
  offsync create Project --data '{"name":"Loft","color":"teal"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}
	addWriteFlags(cmd, opts, true)
	return cmd
}

func runCreate(opts *WriteOptions, kind string, cmd *cobra.Command) error {
	entity, err := record.DecodeEntity([]byte(opts.Data))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --data JSON", err)
	}
	return withFacade(opts.RootOptions, kind, func(eng *engine.Engine, fc *syncer.Facade) error {
		created, err := fc.Create(commandContext(cmd), entity)
		if err != nil {
			return opError("create failed", err)
		}
		return opts.finishWrite(cmd, eng, created)
	})
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <kind>",
		Short: "Replace an entity and queue the PATCH",
		Long: `Replace a cached entity and queue a PATCH to its item URL. --data must
carry the entity id.

Example:
  offsync update Project --data '{"id":"p1","name":"Loft","color":"amber"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], cmd)
		},
	}
	addWriteFlags(cmd, opts, true)
	return cmd
}

func runUpdate(opts *WriteOptions, kind string, cmd *cobra.Command) error {
	entity, err := record.DecodeEntity([]byte(opts.Data))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --data JSON", err)
	}
	return withFacade(opts.RootOptions, kind, func(eng *engine.Engine, fc *syncer.Facade) error {
		updated, err := fc.Update(commandContext(cmd), entity)
		if err != nil {
			return opError("update failed", err)
		}
		return opts.finishWrite(cmd, eng, updated)
	})
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <kind> <id> <field>",
		Short: "Replace one field and queue a POST to its sub-resource",
		Long: `Replace one field of a cached entity and queue a POST of the new value
to <resource><id>/<field>. --data is any JSON value.

Example:
  offsync set Project p1 data --data '{"squareFootage":1800,"stories":2}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(opts, args[0], args[1], args[2], cmd)
		},
	}
	addWriteFlags(cmd, opts, true)
	return cmd
}

func runSet(opts *WriteOptions, kind, id, field string, cmd *cobra.Command) error {
	value, err := decodeValue(opts.Data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --data JSON", err)
	}
	return withFacade(opts.RootOptions, kind, func(eng *engine.Engine, fc *syncer.Facade) error {
		ctx := commandContext(cmd)
		if err := fc.UpdateSub(ctx, id, field, value); err != nil {
			return opError("set failed", err)
		}
		e, _, err := fc.Get(ctx, id, false)
		if err != nil {
			return opError("set failed", err)
		}
		return opts.finishWrite(cmd, eng, e)
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Remove an entity and queue the DELETE",
		Long: `Remove an entity from the local cache and queue a DELETE to its item URL.

Example:
  offsync delete Project p1 --drain`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], args[1], cmd)
		},
	}
	addWriteFlags(cmd, opts, false)
	return cmd
}

func runDelete(opts *WriteOptions, kind, id string, cmd *cobra.Command) error {
	return withFacade(opts.RootOptions, kind, func(eng *engine.Engine, fc *syncer.Facade) error {
		if err := fc.Delete(commandContext(cmd), id); err != nil {
			return opError("delete failed", err)
		}
		return opts.finishWrite(cmd, eng, record.Entity{record.IDField: id})
	})
}

func addWriteFlags(cmd *cobra.Command, opts *WriteOptions, withData bool) {
	if withData {
		cmd.Flags().StringVar(&opts.Data, "data", "", "JSON payload (required)")
		_ = cmd.MarkFlagRequired("data")
	}
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "drain the queue after the write")
}

// finishWrite optionally drains and reports the written entity.
func (o *WriteOptions) finishWrite(cmd *cobra.Command, eng *engine.Engine, e record.Entity) error {
	f := o.formatter(cmd)
	var drainErr error
	if o.Drain {
		res, err := drainOnce(cmd, eng)
		if err != nil {
			return err
		}
		f.VerboseLog("drained %d request(s), %d still queued", res.Published, res.Remaining)
		drainErr = drainExitError(res)
	}

	if f.Structured() {
		if err := f.Success(e); err != nil {
			return err
		}
	} else if err := printEntity(f, e); err != nil {
		return err
	}
	return drainErr
}

// withFacade opens the engine and resolves the facade for kind.
func withFacade(opts *RootOptions, kind string, fn func(*engine.Engine, *syncer.Facade) error) error {
	return opts.withEngine(func(eng *engine.Engine) error {
		fc, err := eng.Facade(kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "unknown kind", err)
		}
		return fn(eng, fc)
	})
}

func printEntity(f *OutputFormatter, e record.Entity) error {
	data, err := record.MarshalCanonical(e)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	fmt.Fprintln(f.Writer, string(data))
	return nil
}

// decodeValue parses any JSON value, keeping numbers as json.Number.
func decodeValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}
