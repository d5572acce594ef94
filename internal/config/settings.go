package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"cragpack/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// CRAGPACK_REMOTE_API_KEY for remote.api_key
const EnvPrefix = "CRAGPACK"

// Remote modes
const (
	ModeREST     = "rest"
	ModePostgres = "postgres"
)

// RemoteSettings selects and configures the crag data service
type RemoteSettings struct {
	Mode        string `mapstructure:"mode"`
	RESTURL     string `mapstructure:"rest_url"`
	APIKey      string `mapstructure:"api_key"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// SiteSettings points at the site whose detail pages are cached
type SiteSettings struct {
	BaseURL string `mapstructure:"base_url"`
}

// MapSettings points at the static map rasterizer
type MapSettings struct {
	RenderURL string `mapstructure:"render_url"`
}

// DownloadSettings tunes the download orchestrator
type DownloadSettings struct {
	PageConcurrency  int     `mapstructure:"page_concurrency"`
	ImageConcurrency int     `mapstructure:"image_concurrency"`
	EvictConcurrency int     `mapstructure:"evict_concurrency"`
	MapWidth         int     `mapstructure:"map_width"`
	MapHeight        int     `mapstructure:"map_height"`
	MarginRatio      float64 `mapstructure:"margin_ratio"`
}

// HTTPSettings configures the outbound HTTP client
type HTTPSettings struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RetryMax          int           `mapstructure:"retry_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// AnalyticsSettings enables PostHog tracking when Key is set
type AnalyticsSettings struct {
	PostHogKey  string `mapstructure:"posthog_key"`
	PostHogHost string `mapstructure:"posthog_host"`
}

// ServerSettings configures the offline blob server
type ServerSettings struct {
	ObjectURLTTL time.Duration `mapstructure:"object_url_ttl"`
}

// Settings is the complete runtime configuration
type Settings struct {
	DataDir   string            `mapstructure:"data_dir"`
	LogLevel  string            `mapstructure:"log_level"`
	Remote    RemoteSettings    `mapstructure:"remote"`
	Site      SiteSettings      `mapstructure:"site"`
	Map       MapSettings       `mapstructure:"map"`
	Download  DownloadSettings  `mapstructure:"download"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	Analytics AnalyticsSettings `mapstructure:"analytics"`
	Server    ServerSettings    `mapstructure:"server"`
}

// DefaultSettings returns the settings used for every key not configured
func DefaultSettings() *Settings {
	return &Settings{
		DataDir:  GetDataDir(),
		LogLevel: "info",
		Remote: RemoteSettings{
			Mode: ModeREST,
		},
		Download: DownloadSettings{
			PageConcurrency:  4,
			ImageConcurrency: 6,
			EvictConcurrency: 6,
			MapWidth:         1024,
			MapHeight:        768,
			MarginRatio:      0.15,
		},
		HTTP: HTTPSettings{
			Timeout:           30 * time.Second,
			RetryMax:          3,
			RequestsPerSecond: 8,
		},
		Analytics: AnalyticsSettings{
			PostHogHost: "https://eu.i.posthog.com",
		},
		Server: ServerSettings{
			ObjectURLTTL: 10 * time.Minute,
		},
	}
}

// GetDataDir returns the default data directory, ~/.cragpack
func GetDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".cragpack"
	}
	return filepath.Join(home, ".cragpack")
}

// SetDefaults registers every key with its default so env overrides apply
// even when the config file omits the key
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("remote.mode", d.Remote.Mode)
	v.SetDefault("remote.rest_url", d.Remote.RESTURL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.postgres_dsn", d.Remote.PostgresDSN)
	v.SetDefault("site.base_url", d.Site.BaseURL)
	v.SetDefault("map.render_url", d.Map.RenderURL)
	v.SetDefault("download.page_concurrency", d.Download.PageConcurrency)
	v.SetDefault("download.image_concurrency", d.Download.ImageConcurrency)
	v.SetDefault("download.evict_concurrency", d.Download.EvictConcurrency)
	v.SetDefault("download.map_width", d.Download.MapWidth)
	v.SetDefault("download.map_height", d.Download.MapHeight)
	v.SetDefault("download.margin_ratio", d.Download.MarginRatio)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.retry_max", d.HTTP.RetryMax)
	v.SetDefault("http.requests_per_second", d.HTTP.RequestsPerSecond)
	v.SetDefault("analytics.posthog_key", d.Analytics.PostHogKey)
	v.SetDefault("analytics.posthog_host", d.Analytics.PostHogHost)
	v.SetDefault("server.object_url_ttl", d.Server.ObjectURLTTL)
}

// Load reads cfgFile, or $HOME/.cragpack.yaml when cfgFile is empty, and
// applies CRAGPACK_ environment overrides. A missing home config is not an
// error; a missing explicit one is.
func Load(v *viper.Viper, cfgFile string) (*Settings, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(".cragpack")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	dir, err := homedir.Expand(settings.DataDir)
	if err != nil {
		return nil, fmt.Errorf("invalid data_dir: %w", err)
	}
	settings.DataDir = dir
	settings.Remote.Mode = strings.ToLower(strings.TrimSpace(settings.Remote.Mode))
	return &settings, nil
}

// Validate rejects settings the engine cannot download with
func (s *Settings) Validate() error {
	if err := s.ValidateLocal(); err != nil {
		return err
	}

	switch s.Remote.Mode {
	case ModeREST:
		if s.Remote.RESTURL == "" {
			return fmt.Errorf("remote.rest_url is required in rest mode")
		}
	case ModePostgres:
		if s.Remote.PostgresDSN == "" {
			return fmt.Errorf("remote.postgres_dsn is required in postgres mode")
		}
	}

	if s.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if s.Map.RenderURL == "" {
		return fmt.Errorf("map.render_url is required")
	}
	return nil
}

// ValidateLocal checks only what commands working on stored snapshots need
func (s *Settings) ValidateLocal() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s", s.LogLevel)
	}
	if s.Remote.Mode != ModeREST && s.Remote.Mode != ModePostgres {
		return fmt.Errorf("invalid remote.mode: %s (must be rest or postgres)", s.Remote.Mode)
	}

	d := s.Download
	if d.PageConcurrency < 1 || d.ImageConcurrency < 1 || d.EvictConcurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1")
	}
	if d.MapWidth < 1 || d.MapHeight < 1 {
		return fmt.Errorf("invalid map size %dx%d", d.MapWidth, d.MapHeight)
	}
	if d.MarginRatio <= 0 || d.MarginRatio > 1 {
		return fmt.Errorf("download.margin_ratio must be in (0, 1], got %g", d.MarginRatio)
	}

	if s.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if s.HTTP.RetryMax < 0 {
		return fmt.Errorf("http.retry_max must not be negative")
	}
	if s.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must not be negative")
	}
	if s.Server.ObjectURLTTL <= 0 {
		return fmt.Errorf("server.object_url_ttl must be positive")
	}
	return nil
}
