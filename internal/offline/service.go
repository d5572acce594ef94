// Package offline downloads crag snapshots for offline use and manages the
// ones already stored.
package offline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cragpack/internal/compositor"
	"cragpack/internal/geo"
	"cragpack/internal/logging"
	"cragpack/internal/model"
	"cragpack/internal/remote"
	"cragpack/internal/store"
)

var (
	// ErrCragNotFound is returned when the data service has no such crag
	ErrCragNotFound = errors.New("crag not found")

	// ErrNoGeometry is returned when no bounding box can be derived
	ErrNoGeometry = errors.New("crag has no usable geometry")
)

// Defaults used when Options leaves a field at zero
const (
	DefaultPageConcurrency  = 4
	DefaultImageConcurrency = 6
	DefaultEvictConcurrency = 6
	DefaultMapWidth         = 1024
	DefaultMapHeight        = 768
)

// SnapshotStore persists the structured snapshot records
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, meta model.SnapshotMeta, crag model.CragDetail, images []model.ImageDetail) error
	DeleteSnapshot(ctx context.Context, cragID string) error
	Meta(ctx context.Context, cragID string) (*model.SnapshotMeta, error)
	Crag(ctx context.Context, cragID string) (*model.CragDetail, error)
	Image(ctx context.Context, imageID string) (*model.ImageDetail, error)
	ImagesForCrag(ctx context.Context, cragID string) ([]model.ImageDetail, error)
	ListMetas(ctx context.Context) ([]model.SnapshotMeta, error)
	HasSnapshot(ctx context.Context, cragID string) (bool, error)
	SetMapGenerated(ctx context.Context, cragID string, at int64) error
}

// BlobStore holds cached pages, photographs and map screenshots
type BlobStore interface {
	Put(key, contentType string, data []byte) error
	Has(key string) bool
	Delete(key string) error
	Stats() store.CacheStats
}

// Fetcher retrieves pages and photographs
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*remote.Resource, error)
}

// Composer renders and stores a map screenshot under key
type Composer interface {
	Compose(ctx context.Context, key string, req compositor.Request) error
}

// PersistRequester asks the host to keep offline data. Failure is not fatal.
type PersistRequester interface {
	RequestPersist(ctx context.Context) error
}

// ObjectURLIssuer hands out short-lived URLs for cached blobs
type ObjectURLIssuer interface {
	IssueObjectURL(key string) (string, error)
}

// TrackFunc records an analytics event
type TrackFunc func(event string, properties map[string]interface{})

// Options tunes downloads
type Options struct {
	SiteURL          string
	PageConcurrency  int
	ImageConcurrency int
	EvictConcurrency int
	MapWidth         int
	MapHeight        int
	MarginRatio      float64
}

func (o Options) withDefaults() Options {
	if o.PageConcurrency <= 0 {
		o.PageConcurrency = DefaultPageConcurrency
	}
	if o.ImageConcurrency <= 0 {
		o.ImageConcurrency = DefaultImageConcurrency
	}
	if o.EvictConcurrency <= 0 {
		o.EvictConcurrency = DefaultEvictConcurrency
	}
	if o.MapWidth <= 0 {
		o.MapWidth = DefaultMapWidth
	}
	if o.MapHeight <= 0 {
		o.MapHeight = DefaultMapHeight
	}
	if o.MarginRatio <= 0 {
		o.MarginRatio = geo.DefaultMarginRatio
	}
	o.SiteURL = strings.TrimRight(o.SiteURL, "/")
	return o
}

// Deps are the collaborators of a Service. Persist, URLs and Track are optional.
type Deps struct {
	Data       remote.DataSource
	Fetcher    Fetcher
	Compositor Composer
	Store      SnapshotStore
	Blobs      BlobStore
	Persist    PersistRequester
	URLs       ObjectURLIssuer
	Track      TrackFunc
	Log        logrus.FieldLogger
}

// Service downloads, lists and removes crag snapshots
type Service struct {
	data     remote.DataSource
	fetcher  Fetcher
	composer Composer
	db       SnapshotStore
	blobs    BlobStore
	persist  PersistRequester
	urls     ObjectURLIssuer
	track    TrackFunc
	log      logrus.FieldLogger
	opts     Options
	now      func() time.Time
}

// NewService wires a Service from its dependencies
func NewService(deps Deps, opts Options) *Service {
	return &Service{
		data:     deps.Data,
		fetcher:  deps.Fetcher,
		composer: deps.Compositor,
		db:       deps.Store,
		blobs:    deps.Blobs,
		persist:  deps.Persist,
		urls:     deps.URLs,
		track:    deps.Track,
		log:      logging.Component(deps.Log, "offline"),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// trackEvent records an analytics event if tracking is configured
func (s *Service) trackEvent(event string, properties map[string]interface{}) {
	if s.track != nil {
		s.track(event, properties)
	}
}
