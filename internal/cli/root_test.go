package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "offsync", cmd.Use)
	assert.Contains(t, cmd.Long, "OFFSYNC_*")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"status", "pending", "drain", "kinds", "list", "get", "create", "update", "set", "delete", "watch"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "backend", "server", "kinds", "offline"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag --%s", name)
	}
}

func TestReadCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"list", "get"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		syncFlag := sub.Flags().Lookup("sync")
		require.NotNil(t, syncFlag, name)
		assert.Equal(t, "false", syncFlag.DefValue)
	}
}

func TestWriteCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"create", "update", "set"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("data"), name)
		assert.NotNil(t, sub.Flags().Lookup("drain"), name)
	}

	del, _, err := cmd.Find([]string{"delete"})
	require.NoError(t, err)
	assert.Nil(t, del.Flags().Lookup("data"))
	assert.NotNil(t, del.Flags().Lookup("drain"))
}

func TestWatchCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	watchCmd, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)

	intervalFlag := watchCmd.Flags().Lookup("interval")
	require.NotNil(t, intervalFlag)
	assert.Equal(t, "0s", intervalFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestExecuteExitCodes(t *testing.T) {
	db := filepath.Join(t.TempDir(), "exec.db")
	ctx := context.Background()

	assert.Equal(t, ExitSuccess, Execute(ctx, []string{"--db", db, "--offline", "kinds"}))
	assert.Equal(t, ExitCommandError, Execute(ctx, []string{"--format", "xml", "status"}))
	assert.Equal(t, ExitCommandError, Execute(ctx, []string{"no-such-command"}))
	assert.Equal(t, ExitCommandError, Execute(ctx, []string{"--no-such-flag"}))
	assert.Equal(t, ExitCommandError, Execute(ctx, []string{"--db", db, "--offline", "list", "Widget"}))
	assert.Equal(t, ExitFailure, Execute(ctx, []string{"--db", db, "--offline", "get", "Project", "missing"}))
}
