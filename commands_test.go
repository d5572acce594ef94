package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cragpack/internal/model"
	"cragpack/internal/offline"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cragpack.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("data_dir: "+filepath.Join(dir, "data")+"\nlog_level: error\n"), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config=" + cfg}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_ListEmpty(t *testing.T) {
	out, err := runCLI(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No crags downloaded")
}

func TestCLI_Stats(t *testing.T) {
	out, err := runCLI(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshots: 0")
	assert.Contains(t, out, "Entries:   0")
}

func TestCLI_ShowMissing(t *testing.T) {
	_, err := runCLI(t, "show", "nope")
	assert.ErrorIs(t, err, offline.ErrCragNotFound)
}

func TestCLI_DownloadNeedsServiceURLs(t *testing.T) {
	_, err := runCLI(t, "download", "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestHostsOf(t *testing.T) {
	hosts := hostsOf("https://data.example/rest", "https://site.example", "https://data.example/other", "::bad", "")
	assert.Equal(t, []string{"data.example", "site.example"}, hosts)
}

func TestPrintMetas(t *testing.T) {
	var buf bytes.Buffer
	printMetas(&buf, []model.SnapshotMeta{
		{CragID: "c1", Name: "Le Gouffre", DownloadedAt: time.Now().UnixMilli(), MapGeneratedAt: 1},
		{CragID: "c2", Name: "La Moye", DownloadedAt: time.Now().UnixMilli()},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "Le Gouffre")
	assert.True(t, strings.HasSuffix(lines[1], "yes"))
	assert.True(t, strings.HasSuffix(lines[2], "-"))
}
