package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/record"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string // "text" | "json" | "yaml"

	// EngineOptions are appended when a command opens the engine. Tests
	// use them to inject transports, probes and clocks.
	EngineOptions []engine.Option

	v      *viper.Viper
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"db":      "database",
	"backend": "backend",
	"server":  "server.base_url",
	"offline": "probe.offline",
	"kinds":   "kinds_file",
}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	opts.v = config.New()

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - local-first sync engine",
		Long: `Cache entities locally, queue every write while offline, and replay
the queue to a REST server in order once it is reachable.

Settings come from defaults, an optional YAML file (--config), OFFSYNC_*
environment variables and flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.Verbose, slog.LevelWarn)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "path to YAML config file")
	pf.String("db", "", `path to the local database (default "offsync.db")`)
	pf.String("backend", "", "storage backend (sqlite|bolt)")
	pf.String("server", "", "REST server base URL")
	pf.String("kinds", "", "CUE file declaring entity kinds (default: built-in kinds)")
	pf.Bool("offline", false, "treat the server as unreachable")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	bindFlags(opts.v, pf)

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewKindsCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are reported on stderr in the selected output format.
func Execute(ctx context.Context, args []string) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	if !slices.Contains(ValidFormats, f.Format) {
		f.Format = "text"
	}
	_ = f.Error(ErrorCode(err), err.Error(), nil)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) && record.CodeOf(err) == "" {
		// Argument count and unknown command errors from cobra.
		return ExitCommandError
	}
	return GetExitCode(err)
}

func newLogger(w io.Writer, verbose bool, level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves the effective configuration.
func (o *RootOptions) loadConfig() (config.Config, error) {
	v := o.v
	if v == nil {
		v = config.New()
	}
	cfg, err := config.Load(v, o.ConfigFile)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// withEngine opens the engine, runs fn, and closes the engine.
func (o *RootOptions) withEngine(fn func(*engine.Engine) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	o.log().Debug("opening engine", "database", cfg.Database, "backend", cfg.Backend)
	engOpts := append([]engine.Option{engine.WithLogger(o.log())}, o.EngineOptions...)
	eng, err := engine.Open(cfg, engOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			o.log().Error("error closing engine", "error", closeErr)
		}
	}()

	return fn(eng)
}

// opError maps an engine error onto an exit code: storage failures are
// command errors, everything else is an operation failure.
func opError(message string, err error) error {
	if record.IsStorageError(err) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
