package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("flags populate options", func(t *testing.T) {
		var out bytes.Buffer
		opts, exit, err := Parse([]string{
			"-rows", "import.csv",
			"-config", "ipamctl.hcl",
			"-dry-run",
			"-allow-dangerous-operations",
			"-log-level", "debug",
			"-log-format", "json",
		}, &out)
		require.NoError(t, err)
		require.False(t, exit)

		assert.Equal(t, "import.csv", opts.RowsPath)
		assert.Equal(t, "ipamctl.hcl", opts.ConfigPath)
		assert.True(t, opts.DryRun)
		assert.True(t, opts.AllowDangerousOperations)
		assert.Equal(t, "debug", opts.LogLevel)
		assert.Equal(t, "json", opts.LogFormat)
	})

	t.Run("positional rows path works", func(t *testing.T) {
		var out bytes.Buffer
		opts, exit, err := Parse([]string{"import.csv"}, &out)
		require.NoError(t, err)
		require.False(t, exit)
		assert.Equal(t, "import.csv", opts.RowsPath)
	})

	t.Run("no rows path prints usage and exits cleanly", func(t *testing.T) {
		var out bytes.Buffer
		_, exit, err := Parse(nil, &out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Contains(t, out.String(), "ROWS_PATH")
	})

	t.Run("invalid log level is an exit error", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"-log-level", "loud", "import.csv"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)
	})

	t.Run("invalid log format is an exit error", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"-log-format", "yaml", "import.csv"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)
	})
}
