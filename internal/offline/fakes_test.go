package offline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"cragpack/internal/compositor"
	"cragpack/internal/remote"
	"cragpack/internal/store"
)

const siteURL = "https://site.example"

func fp(f float64) *float64 { return &f }
func sp(s string) *string   { return &s }

type fakeData struct {
	mu        sync.Mutex
	crags     map[string]*remote.Crag
	images    map[string][]remote.Image
	lines     []remote.RouteLine
	cragErr   error
	imagesErr error
	linesErr  error
}

func (f *fakeData) Crag(ctx context.Context, id string) (*remote.Crag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cragErr != nil {
		return nil, f.cragErr
	}
	return f.crags[id], nil
}

func (f *fakeData) Images(ctx context.Context, cragID string) ([]remote.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imagesErr != nil {
		return nil, f.imagesErr
	}
	return f.images[cragID], nil
}

func (f *fakeData) RouteLines(ctx context.Context, imageIDs []string) ([]remote.RouteLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linesErr != nil {
		return nil, f.linesErr
	}
	want := make(map[string]bool, len(imageIDs))
	for _, id := range imageIDs {
		want[id] = true
	}
	var out []remote.RouteLine
	for _, l := range f.lines {
		if want[l.ImageID] {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*remote.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.fail[url] {
		return nil, errors.New("connection reset")
	}
	ct := "image/jpeg"
	if strings.HasPrefix(url, siteURL) {
		ct = "text/html"
	}
	return &remote.Resource{URL: url, ContentType: ct, Data: []byte("body:" + url)}, nil
}

type fakeComposer struct {
	mu    sync.Mutex
	err   error
	blobs BlobStore
	reqs  []compositor.Request
}

func (f *fakeComposer) Compose(ctx context.Context, key string, req compositor.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return f.err
	}
	return f.blobs.Put(key, "image/png", []byte("png"))
}

type fakeIssuer struct{}

func (fakeIssuer) IssueObjectURL(key string) (string, error) {
	return "http://127.0.0.1:4000/object/" + filepath.Base(key), nil
}

type harness struct {
	svc    *Service
	db     *store.DB
	blobs  *store.BlobCache
	data   *fakeData
	fetch  *fakeFetcher
	comp   *fakeComposer
	events []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := store.NewBlobCache(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	h := &harness{
		db:    db,
		blobs: blobs,
		data: &fakeData{
			crags:  map[string]*remote.Crag{},
			images: map[string][]remote.Image{},
		},
		fetch: &fakeFetcher{fail: map[string]bool{}},
		comp:  &fakeComposer{blobs: blobs},
	}
	logger, _ := test.NewNullLogger()
	h.svc = NewService(Deps{
		Data:       h.data,
		Fetcher:    h.fetch,
		Compositor: h.comp,
		Store:      db,
		Blobs:      blobs,
		Persist:    DirPersister{Dir: filepath.Join(dir, "data")},
		URLs:       fakeIssuer{},
		Track:      func(event string, _ map[string]interface{}) { h.events = append(h.events, event) },
		Log:        logger,
	}, Options{SiteURL: siteURL + "/", PageConcurrency: 2, ImageConcurrency: 3})
	return h
}

// seedGuernsey registers crag c1 with photos at the four cardinal points
// around the crag, one unlocated photo and three route lines.
func (h *harness) seedGuernsey() {
	h.data.crags["c1"] = &remote.Crag{
		ID: "c1", Name: "Le Gouffre", Lat: fp(49.45), Lon: fp(-2.58),
	}
	h.data.images["c1"] = []remote.Image{
		{ID: "w", CragID: "c1", URL: "https://img.example/w.jpg", Lat: fp(49.45), Lon: fp(-2.59)},
		{ID: "n", CragID: "c1", URL: "https://img.example/n.jpg", Lat: fp(49.46), Lon: fp(-2.58), Verified: true, VerificationCount: 2},
		{ID: "x", CragID: "c1", URL: "https://img.example/x.jpg"},
		{ID: "s", CragID: "c1", URL: "https://img.example/s.jpg", Lat: fp(49.44), Lon: fp(-2.58)},
		{ID: "e", CragID: "c1", URL: "https://img.example/e.jpg", Lat: fp(49.45), Lon: fp(-2.57)},
	}
	h.data.lines = []remote.RouteLine{
		{ID: "r1", ImageID: "n", Color: "#f00", Climb: &remote.Climb{ID: "k1", Name: sp(" Tidal Wave  "), Grade: sp("6a"), Description: sp("  ")}},
		{ID: "r2", ImageID: "n", Color: "#0f0"},
		{ID: "r3", ImageID: "e", Color: "#00f", Climb: &remote.Climb{ID: "k2"}},
	}
}
