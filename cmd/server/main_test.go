package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-ledger/report"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_STORE_DRIVER", "memory")
	t.Setenv("LEDGER_LOG_OUTPUT", "stderr")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReportCommand(t *testing.T) {
	out, err := run(t, "report", "--start", "2025-01-01", "--end", "2025-01-31")
	require.NoError(t, err)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, report.Version, rep.Version)
	assert.Equal(t, "2025-01-01", rep.Period.Start)
}

func TestReportCommand_InvalidPeriod(t *testing.T) {
	_, err := run(t, "report", "--start", "2025-02-01", "--end", "2025-01-01")
	assert.Error(t, err)
}

func TestVerifyCommand(t *testing.T) {
	out, err := run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, `"violations"`)
}

func TestSeedCommand_ListsScenarios(t *testing.T) {
	out, err := run(t, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "period-boundary")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
