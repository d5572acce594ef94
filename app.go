package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"cragpack/internal/analytics"
	"cragpack/internal/compositor"
	"cragpack/internal/config"
	"cragpack/internal/logging"
	"cragpack/internal/offline"
	"cragpack/internal/ratelimit"
	"cragpack/internal/remote"
	"cragpack/internal/server"
	"cragpack/internal/store"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App holds the wired engine for one CLI invocation
type App struct {
	settings *config.Settings
	log      *logrus.Logger

	db       *store.DB
	blobs    *store.BlobCache
	limits   *ratelimit.Handler
	client   *remote.Client
	postgres *remote.PostgresSource
	renderer *compositor.RasterRenderer
	server   *server.Server
	tracker  analytics.Tracker
	service  *offline.Service
}

// NewApp opens the local store and wires every component from settings.
// The crag data source is only connected when online is set, so commands
// working on stored snapshots never touch the network. On error everything
// opened so far is closed again.
func NewApp(ctx context.Context, settings *config.Settings, log *logrus.Logger, online bool) (_ *App, err error) {
	app := &App{settings: settings, log: log}
	defer func() {
		if err != nil {
			app.Shutdown(context.Background())
		}
	}()

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	app.db, err = store.Open(filepath.Join(settings.DataDir, "snapshots.db"))
	if err != nil {
		return nil, err
	}
	app.blobs, err = store.NewBlobCache(filepath.Join(settings.DataDir, "cache"))
	if err != nil {
		return nil, err
	}
	log.WithField("dir", settings.DataDir).Debug("local store opened")

	app.limits = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), log)
	app.watchRateLimits()

	app.client = remote.NewClient(remote.ClientConfig{
		Timeout:           settings.HTTP.Timeout,
		RetryMax:          settings.HTTP.RetryMax,
		RequestsPerSecond: settings.HTTP.RequestsPerSecond,
		UserAgent:         "cragpack/" + AppVersion,
		MapURL:            settings.Map.RenderURL,
		Limits:            app.limits,
		Log:               log,
	})

	var data remote.DataSource
	if online {
		switch settings.Remote.Mode {
		case config.ModePostgres:
			app.postgres, err = remote.OpenPostgres(ctx, settings.Remote.PostgresDSN)
			if err != nil {
				return nil, err
			}
			data = app.postgres
		default:
			data = remote.NewRESTSource(app.client, settings.Remote.RESTURL, settings.Remote.APIKey)
		}
		log.WithField("mode", settings.Remote.Mode).Debug("data source ready")
	}

	app.renderer, err = compositor.NewRasterRenderer()
	if err != nil {
		return nil, err
	}
	comp, err := compositor.New(app.client, app.blobs, log, compositor.WithRenderer(app.renderer))
	if err != nil {
		return nil, err
	}

	app.server = server.New(app.blobs, settings.Server.ObjectURLTTL, log)

	key, host := settings.Analytics.PostHogKey, settings.Analytics.PostHogHost
	if key == "" {
		key, host = PostHogKey, PostHogHost
	}
	app.tracker, err = analytics.New(analytics.Config{
		Key:        key,
		Host:       host,
		DataDir:    settings.DataDir,
		AppVersion: AppVersion,
	}, log)
	if err != nil {
		log.WithError(err).Warn("analytics disabled")
		app.tracker, err = analytics.Noop{}, nil
	}

	app.service = offline.NewService(offline.Deps{
		Data:       data,
		Fetcher:    app.client,
		Compositor: comp,
		Store:      app.db,
		Blobs:      app.blobs,
		Persist:    offline.DirPersister{Dir: settings.DataDir},
		URLs:       app.server,
		Track:      app.TrackEvent,
		Log:        log,
	}, offline.Options{
		SiteURL:          settings.Site.BaseURL,
		PageConcurrency:  settings.Download.PageConcurrency,
		ImageConcurrency: settings.Download.ImageConcurrency,
		EvictConcurrency: settings.Download.EvictConcurrency,
		MapWidth:         settings.Download.MapWidth,
		MapHeight:        settings.Download.MapHeight,
		MarginRatio:      settings.Download.MarginRatio,
	})

	return app, nil
}

// TrackEvent sends an analytics event tagged with the app version
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.tracker == nil {
		return
	}
	if props == nil {
		props = map[string]interface{}{}
	}
	props["mode"] = a.settings.Remote.Mode
	a.tracker.Track(event, props)
}

// Shutdown cleans up resources in reverse wiring order
func (a *App) Shutdown(ctx context.Context) {
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.WithError(err).Debug("analytics flush failed")
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("offline server shutdown failed")
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close store")
		}
	}
}

// Service exposes the offline engine
func (a *App) Service() *offline.Service {
	return a.service
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

func newLogger(level string) *logrus.Logger {
	log, err := logging.New(level)
	if err != nil {
		log, _ = logging.New("info")
		log.WithError(err).Warn("invalid log level, using info")
	}
	return log
}
