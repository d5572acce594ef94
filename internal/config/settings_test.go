package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	s := DefaultSettings()
	s.Remote.RESTURL = "https://data.example"
	s.Site.BaseURL = "https://site.example"
	s.Map.RenderURL = "https://maps.example/static"
	return s
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cragpack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/cragpack-test
remote:
  mode: Postgres
  postgres_dsn: postgres://localhost/crags
site:
  base_url: https://site.example
map:
  render_url: https://maps.example/static
download:
  image_concurrency: 2
http:
  timeout: 5s
`)

	s, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cragpack-test", s.DataDir)
	assert.Equal(t, ModePostgres, s.Remote.Mode)
	assert.Equal(t, 2, s.Download.ImageConcurrency)
	assert.Equal(t, 4, s.Download.PageConcurrency)
	assert.Equal(t, 5*time.Second, s.HTTP.Timeout)
	assert.Equal(t, 10*time.Minute, s.Server.ObjectURLTTL)
	assert.NoError(t, s.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	t.Setenv("CRAGPACK_DOWNLOAD_PAGE_CONCURRENCY", "9")
	t.Setenv("CRAGPACK_REMOTE_API_KEY", "secret")

	s, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 9, s.Download.PageConcurrency)
	assert.Equal(t, "secret", s.Remote.APIKey)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	cases := map[string]func(*Settings){
		"bad mode":        func(s *Settings) { s.Remote.Mode = "ftp" },
		"no rest url":     func(s *Settings) { s.Remote.RESTURL = "" },
		"no dsn":          func(s *Settings) { s.Remote.Mode = ModePostgres },
		"no site":         func(s *Settings) { s.Site.BaseURL = "" },
		"no map":          func(s *Settings) { s.Map.RenderURL = "" },
		"bad level":       func(s *Settings) { s.LogLevel = "loud" },
		"zero workers":    func(s *Settings) { s.Download.ImageConcurrency = 0 },
		"bad size":        func(s *Settings) { s.Download.MapHeight = 0 },
		"bad margin":      func(s *Settings) { s.Download.MarginRatio = 1.5 },
		"zero timeout":    func(s *Settings) { s.HTTP.Timeout = 0 },
		"negative retry":  func(s *Settings) { s.HTTP.RetryMax = -1 },
		"negative rate":   func(s *Settings) { s.HTTP.RequestsPerSecond = -1 },
		"zero object ttl": func(s *Settings) { s.Server.ObjectURLTTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSettings()
			mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, ModeREST, s.Remote.Mode)
	assert.Equal(t, ".cragpack", filepath.Base(s.DataDir))
	assert.Error(t, s.Validate(), "defaults lack service URLs")
	assert.NoError(t, s.ValidateLocal())
}
