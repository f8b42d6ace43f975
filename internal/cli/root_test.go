package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

// decodeData unwraps a --format json envelope into v
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgersync", cmd.Use)
	assert.Contains(t, cmd.Long, "LEDGERSYNC_")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"token"},
		{"audit", "verify"},
		{"audit", "list"},
		{"conflicts", "sweep"},
		{"device", "id"},
		{"device", "enqueue"},
		{"device", "list"},
		{"device", "sync"},
		{"device", "status"},
		{"device", "failed"},
		{"device", "retry"},
		{"device", "conflicts"},
		{"device", "purge"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, ".env", envFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"listen-addr", "database-url", "conflict-policy", "max-batch-size", "log-requests"} {
		require.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}

func TestDeviceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	deviceCmd, _, err := cmd.Find([]string{"device"})
	require.NoError(t, err)

	for _, name := range []string{"device-db", "server-url", "user-id", "token"} {
		require.NotNil(t, deviceCmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "token", "--user", "u", "--device", "d", "--format", "yaml")
	require.ErrorContains(t, err, "invalid format")
	require.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("LEDGERSYNC_CONFLICT_POLICY", "coin_flip")
	_, err := execute(t, "token", "--user", "u", "--device", "d")
	require.ErrorContains(t, err, "invalid configuration")
	require.Equal(t, ExitCommandError, GetExitCode(err))
}
