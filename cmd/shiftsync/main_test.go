package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestExplicitConfigFileMustBeReadable(t *testing.T) {
	t.Cleanup(viper.Reset)
	directory := t.TempDir()

	_, err := runCLI(t, "status", "--config", filepath.Join(directory, "missing.yaml"))
	require.Error(t, err)

	malformed := filepath.Join(directory, "malformed.yaml")
	require.NoError(t, os.WriteFile(malformed, []byte("database: [unterminated\n"), 0o600))
	_, err = runCLI(t, "status", "--config", malformed)
	require.Error(t, err)
}

func TestExplicitConfigFileSuppliesSettings(t *testing.T) {
	t.Cleanup(viper.Reset)
	directory := t.TempDir()
	configPath := filepath.Join(directory, "shiftsync.yaml")
	contents := "database:\n  path: " + filepath.Join(directory, "device.db") + "\nsync:\n  conflict_strategy: local-wins\n"
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0o600))

	output, err := runCLI(t, "conflicts", "strategy", "--config", configPath)
	require.NoError(t, err)
	require.JSONEq(t, `{"conflictStrategy":"local-wins"}`, output)
	_, err = os.Stat(filepath.Join(directory, "device.db"))
	require.NoError(t, err)
}
