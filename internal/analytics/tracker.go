// Package analytics records usage events with PostHog
package analytics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"

	"cragpack/internal/logging"
)

const installIDFile = "install_id"

// Tracker records named events with properties
type Tracker interface {
	Track(event string, properties map[string]interface{})
	Close() error
}

// Config configures a PostHog tracker. An empty Key disables tracking.
type Config struct {
	Key        string
	Host       string
	DataDir    string
	AppVersion string
}

// New returns a PostHog tracker, or a no-op tracker when no key is set
func New(cfg Config, log logrus.FieldLogger) (Tracker, error) {
	log = logging.Component(log, "analytics")
	if cfg.Key == "" {
		log.Debug("analytics disabled")
		return Noop{}, nil
	}

	id, err := InstallID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	client, err := posthog.NewWithConfig(cfg.Key, posthog.Config{Endpoint: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostHog: %w", err)
	}

	return &PostHogTracker{
		client:     client,
		distinctID: id,
		appVersion: cfg.AppVersion,
		log:        log,
	}, nil
}

// PostHogTracker enqueues events on a PostHog client under a per-install id
type PostHogTracker struct {
	client     posthog.Client
	distinctID string
	appVersion string
	log        logrus.FieldLogger
}

func (t *PostHogTracker) Track(event string, properties map[string]interface{}) {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	if t.appVersion != "" {
		props.Set("app_version", t.appVersion)
	}

	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		t.log.WithError(err).WithField("event", event).Debug("event dropped")
	}
}

// Close flushes queued events
func (t *PostHogTracker) Close() error {
	return t.client.Close()
}

// DistinctID is the install id events are recorded under
func (t *PostHogTracker) DistinctID() string {
	return t.distinctID
}

// Noop discards every event
type Noop struct{}

func (Noop) Track(string, map[string]interface{}) {}
func (Noop) Close() error                         { return nil }

// InstallID returns the anonymous id of this installation, creating and
// persisting one in dataDir on first use
func InstallID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, installIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
