package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/cli"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, nil)
	require.NoError(t, err)
	require.True(t, strings.Contains(out.String(), "ROWS_PATH"))
}

func TestRun_BadFlagReturnsExitError(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{"-log-level", "loud", "rows.csv"})
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.Code)
}
