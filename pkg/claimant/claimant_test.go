package claimant

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePrefersConfigured(t *testing.T) {
	require.Equal(t, "explicit-id", Resolve("explicit-id", t.TempDir()))
}

func TestResolvePersistsGeneratedID(t *testing.T) {
	dir := t.TempDir()
	first := Resolve("", dir)
	require.NotEmpty(t, first)

	second := Resolve("", dir)
	require.Equal(t, first, second)

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	require.NoError(t, err)
	require.Contains(t, string(raw), first)
}

func TestResolveWithoutDataDirGeneratesEphemeral(t *testing.T) {
	first := Resolve("", "")
	second := Resolve("", "")
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	require.NotEqual(t, first, second)
}
