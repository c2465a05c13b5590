package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/databench"
	"github.com/aretw0/databench/pkg/analysis"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "databench version "+databench.Version+"\n", run(t, "version"))
}

func TestAnalysesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "databench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
analyses:
  - name: remote
    title: Remote Pi
    version: 1.0.0
    kernel:
      command: dummypi-kernel
`), 0o644))

	out := run(t, "analyses", "--config", path, "--with-examples", "--json")
	var infos []analysis.Info
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "dummypi", infos[0].Name)
	assert.False(t, infos[0].Kernel)
	assert.Equal(t, "remote", infos[1].Name)
	assert.True(t, infos[1].Kernel)

	table := run(t, "analyses", "--config", path, "--json=false", "--with-examples=false")
	assert.Contains(t, table, "Remote Pi")
	assert.NotContains(t, table, "dummypi")
}
