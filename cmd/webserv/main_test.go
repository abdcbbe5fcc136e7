package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/webserv/internal/logging"
)

func TestResolveLevel(t *testing.T) {
	t.Setenv(logging.LogLevelEnvVar, "")
	assert.Equal(t, "info", resolveLevel(""))
	assert.Equal(t, "debug", resolveLevel("debug"))

	t.Setenv(logging.LogLevelEnvVar, "warn")
	assert.Equal(t, "warn", resolveLevel(""))
	assert.Equal(t, "error", resolveLevel("error"))
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() {
		checkOnly, announce, noBanner, logLevel = false, false, false, ""
	})
	rootCmd.SetArgs(args)
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	return rootCmd.Execute()
}

func TestRequiresExactlyOneConfig(t *testing.T) {
	require.Error(t, execute(t))
	require.Error(t, execute(t, "a.yaml", "b.yaml"))
}

func TestCheckValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  - listen: 127.0.0.1:0\n    root: www\n"), 0o644))

	require.NoError(t, execute(t, "--check", "--log-level", "error", path))
}

func TestCheckInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  - listen: 127.0.0.1:99999\n    root: www\n"), 0o644))

	err := execute(t, "--check", "--log-level", "error", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestMissingConfigFile(t *testing.T) {
	err := execute(t, "--check", "--log-level", "error", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestUnknownLogLevel(t *testing.T) {
	err := execute(t, "--check", "--log-level", "loud", "site.yaml")
	require.Error(t, err)
}
