package analytics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallID_Persisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := InstallID(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	second, err := InstallID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInstallID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, installIDFile), []byte("not-a-uuid"), 0644))

	id, err := InstallID(dir)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", id)

	data, err := os.ReadFile(filepath.Join(dir, installIDFile))
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(data))
}

func TestNew_NoKeyIsNoop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()

	tr, err := New(Config{DataDir: dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, tr)

	tr.Track("crag_downloaded", map[string]interface{}{"crag_id": "c1"})
	assert.NoError(t, tr.Close())

	_, err = os.Stat(filepath.Join(dir, installIDFile))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_WithKeyUsesInstallID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	id, err := InstallID(dir)
	require.NoError(t, err)

	tr, err := New(Config{Key: "phc_test", Host: "http://127.0.0.1:1", DataDir: dir, AppVersion: "1.0.0"}, logger)
	require.NoError(t, err)
	defer tr.Close()
	ph, ok := tr.(*PostHogTracker)
	require.True(t, ok)
	assert.Equal(t, id, ph.DistinctID())
}
