package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTargetsMergesArgsAndFileAndDefaultsPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nhost-a.example.com\nhost-b.example.com:3390\n\n"), 0o600))

	targets, err := loadTargets(path, []string{"host-c.example.com:4000"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"host-c.example.com:4000",
		"host-a.example.com:3389",
		"host-b.example.com:3390",
	}, targets)
}

func TestLoadTargetsWithoutFileUsesArgsOnly(t *testing.T) {
	targets, err := loadTargets("", []string{"host.example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"host.example.com:3389"}, targets)
}

func TestLoadTargetsMissingFileErrors(t *testing.T) {
	_, err := loadTargets(filepath.Join(t.TempDir(), "nope.txt"), nil)
	require.Error(t, err)
}
