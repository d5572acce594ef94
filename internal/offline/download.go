package offline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cragpack/internal/compositor"
	"cragpack/internal/model"
	"cragpack/internal/pool"
)

// Result describes a finished download
type Result struct {
	Crag       model.CragDetail
	Meta       model.SnapshotMeta
	ImageCount int
	Pages      PhaseReport
	Photos     PhaseReport
	// Entries of images dropped since the previous download, evicted
	Stale PhaseReport
}

// DownloadCrag captures a crag for offline use. The structured records are
// committed first, then detail pages, the map screenshot and photographs are
// cached in that order. Page and photograph failures are reported in the
// result; everything else, including cancellation of ctx, fails the call.
// Downloading an already stored crag replaces it, and the cached pages and
// photographs of images no longer listed are evicted.
func (s *Service) DownloadCrag(ctx context.Context, cragID string, onProgress ProgressFunc) (*Result, error) {
	rep := &reporter{fn: onProgress}
	log := s.log.WithField("crag", cragID)

	rep.emit(Progress{Phase: PhaseMetadata, Total: 1, Message: "Fetching crag details"})

	if s.persist != nil {
		if err := s.persist.RequestPersist(ctx); err != nil {
			log.WithError(err).Warn("persistent storage request failed")
		}
	}

	snap, err := s.fetchSnapshot(ctx, cragID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("download crag %s: %w", cragID, err)
	}
	prior, err := s.db.ImagesForCrag(ctx, cragID)
	if err != nil {
		return nil, fmt.Errorf("read stored images for %s: %w", cragID, err)
	}
	if err := s.db.SaveSnapshot(ctx, snap.Meta, snap.Crag, snap.Images); err != nil {
		return nil, fmt.Errorf("save snapshot %s: %w", cragID, err)
	}
	stale := s.evictStale(ctx, prior, snap.Images)
	for _, f := range stale.Failures {
		log.WithError(f.Err).WithField("key", f.Key).Warn("stale entry not evicted")
	}
	if stale.Total > 0 {
		log.WithFields(logrus.Fields{"evicted": stale.Cached, "total": stale.Total}).Info("stale cache entries evicted")
	}
	rep.emit(Progress{Phase: PhaseMetadata, Completed: 1, Total: 1,
		Message: fmt.Sprintf("Saved %s with %d images", snap.Crag.Name, len(snap.Images))})

	imageIDs := make([]string, len(snap.Images))
	for i, img := range snap.Images {
		imageIDs[i] = img.ID
	}
	pages := s.cachePages(ctx, pagePaths(cragID, imageIDs), rep)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("download crag %s: %w", cragID, err)
	}
	logReport(log, "pages", pages)

	rep.emit(Progress{Phase: PhaseScreenshot, Total: 1, Message: "Rendering map"})
	if err := s.composer.Compose(ctx, snap.Meta.MapKey, s.screenshotRequest(snap)); err != nil {
		return nil, fmt.Errorf("map screenshot for %s: %w", cragID, err)
	}
	generatedAt := s.now().UnixMilli()
	if err := s.db.SetMapGenerated(ctx, cragID, generatedAt); err != nil {
		return nil, fmt.Errorf("update snapshot %s: %w", cragID, err)
	}
	snap.Meta.MapGeneratedAt = generatedAt
	rep.emit(Progress{Phase: PhaseScreenshot, Completed: 1, Total: 1})

	photos := s.cachePhotos(ctx, photoURLs(snap.Images), rep)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("download crag %s: %w", cragID, err)
	}
	logReport(log, "photos", photos)

	s.trackEvent("crag_downloaded", map[string]interface{}{
		"crag_id":       cragID,
		"images":        len(snap.Images),
		"pages_cached":  pages.Cached,
		"pages_failed":  len(pages.Failures),
		"photos_cached": photos.Cached,
		"photos_failed": len(photos.Failures),
	})

	return &Result{
		Crag:       snap.Crag,
		Meta:       snap.Meta,
		ImageCount: len(snap.Images),
		Pages:      pages,
		Photos:     photos,
		Stale:      stale,
	}, nil
}

// evictStale deletes the cache entries of images in prior that current no
// longer lists. It runs after the new snapshot is committed, so photographs
// still referenced by any stored snapshot, this one included, are kept, as
// are pages of images now stored under another crag.
func (s *Service) evictStale(ctx context.Context, prior, current []model.ImageDetail) PhaseReport {
	listed := make(map[string]bool, len(current))
	for _, img := range current {
		listed[img.ID] = true
	}
	var gone []model.ImageDetail
	for _, img := range prior {
		if !listed[img.ID] {
			gone = append(gone, img)
		}
	}
	if len(gone) == 0 {
		return PhaseReport{}
	}

	inUse, err := s.photosInUse(ctx)
	if err != nil {
		s.log.WithError(err).Warn("could not read other snapshots, keeping stale photos")
	}

	keys := make([]string, 0, 2*len(gone))
	for _, img := range gone {
		other, err := s.db.Image(ctx, img.ID)
		if err != nil {
			s.log.WithError(err).WithField("image", img.ID).Warn("could not read image, keeping its page")
			continue
		}
		if other == nil {
			keys = append(keys, ImagePagePath(img.ID))
		}
	}
	if inUse != nil {
		for _, url := range photoURLs(gone) {
			if !inUse[url] {
				keys = append(keys, url)
			}
		}
	}
	return s.evictAll(ctx, keys)
}

// evictAll deletes keys from the blob cache best-effort
func (s *Service) evictAll(ctx context.Context, keys []string) PhaseReport {
	results := pool.Run(ctx, s.opts.EvictConcurrency, keys, func(ctx context.Context, key string) (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.blobs.Delete(key)
	})
	report := PhaseReport{Total: len(keys), Cached: pool.Succeeded(results)}
	for _, r := range pool.Failed(results) {
		report.Failures = append(report.Failures, ItemFailure{Key: keys[r.Index], Err: r.Err})
	}
	return report
}

// fetchSnapshot reads the crag, its images and their route lines. Any query
// error is returned as is.
func (s *Service) fetchSnapshot(ctx context.Context, cragID string) (*Snapshot, error) {
	crag, err := s.data.Crag(ctx, cragID)
	if err != nil {
		return nil, fmt.Errorf("fetch crag %s: %w", cragID, err)
	}
	if crag == nil {
		return nil, fmt.Errorf("%w: %s", ErrCragNotFound, cragID)
	}

	images, err := s.data.Images(ctx, cragID)
	if err != nil {
		return nil, fmt.Errorf("fetch images for %s: %w", cragID, err)
	}

	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	lines, err := s.data.RouteLines(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch route lines for %s: %w", cragID, err)
	}

	snap, err := BuildSnapshot(crag, images, lines, s.opts.MarginRatio, s.now())
	if err != nil {
		return nil, fmt.Errorf("build snapshot %s: %w", cragID, err)
	}
	return snap, nil
}

// cachePages stores the rendered markup of every page path
func (s *Service) cachePages(ctx context.Context, paths []string, rep *reporter) PhaseReport {
	return s.cacheAll(ctx, PhasePages, s.opts.PageConcurrency, paths, rep, func(ctx context.Context, path string) error {
		res, err := s.fetcher.Fetch(ctx, s.opts.SiteURL+path)
		if err != nil {
			return err
		}
		return s.blobs.Put(path, res.ContentType, res.Data)
	})
}

// cachePhotos stores every photograph under its URL
func (s *Service) cachePhotos(ctx context.Context, urls []string, rep *reporter) PhaseReport {
	return s.cacheAll(ctx, PhaseImages, s.opts.ImageConcurrency, urls, rep, func(ctx context.Context, url string) error {
		res, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			return err
		}
		return s.blobs.Put(url, res.ContentType, res.Data)
	})
}

func (s *Service) cacheAll(ctx context.Context, phase Phase, concurrency int, keys []string, rep *reporter, worker func(ctx context.Context, key string) error) PhaseReport {
	total := len(keys)
	rep.emit(Progress{Phase: phase, Total: total})

	results := pool.Run(ctx, concurrency, keys, func(ctx context.Context, key string) (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		err := worker(ctx, key)
		rep.step(phase, total, key)
		return struct{}{}, err
	})

	report := PhaseReport{Total: total, Cached: pool.Succeeded(results)}
	for _, r := range pool.Failed(results) {
		report.Failures = append(report.Failures, ItemFailure{Key: keys[r.Index], Err: r.Err})
	}
	return report
}

// screenshotRequest pins every located photograph on the crag's map
func (s *Service) screenshotRequest(snap *Snapshot) compositor.Request {
	req := compositor.Request{
		CragID:       snap.Meta.CragID,
		BBox:         snap.Meta.BBox,
		BBoxMercator: snap.Meta.BBoxMercator,
		Width:        s.opts.MapWidth,
		Height:       s.opts.MapHeight,
		Boundary:     snap.Crag.Boundary,
	}
	for _, img := range snap.Images {
		if !img.HasCoordinates() {
			continue
		}
		pin := compositor.Pin{
			ID:       img.ID,
			Lat:      *img.Lat,
			Lon:      *img.Lon,
			Verified: img.Verified,
		}
		if img.DisplayOrder != nil {
			pin.Seq = *img.DisplayOrder
		}
		req.Pins = append(req.Pins, pin)
	}
	return req
}

// photoURLs returns the distinct non-empty photograph URLs in image order
func photoURLs(images []model.ImageDetail) []string {
	seen := make(map[string]bool, len(images))
	urls := make([]string, 0, len(images))
	for _, img := range images {
		if img.URL == "" || seen[img.URL] {
			continue
		}
		seen[img.URL] = true
		urls = append(urls, img.URL)
	}
	return urls
}

func logReport(log logrus.FieldLogger, what string, r PhaseReport) {
	entry := log.WithFields(logrus.Fields{"cached": r.Cached, "total": r.Total})
	if len(r.Failures) == 0 {
		entry.Infof("%s: %s", what, r)
		return
	}
	for _, f := range r.Failures {
		log.WithError(f.Err).WithField("key", f.Key).Warnf("%s: not cached", what)
	}
	entry.Warnf("%s: %s", what, r)
}
