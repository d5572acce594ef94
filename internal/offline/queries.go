package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cragpack/internal/model"
	"cragpack/internal/store"
)

// RemovalReport describes what Remove cleaned up
type RemovalReport struct {
	CragID     string
	ImageRows  int
	Pages      PhaseReport
	MapEvicted bool
	Photos     PhaseReport
	// Photographs left in the cache because another snapshot still uses them
	SharedPhotos int
}

// IsDownloaded reports whether a snapshot of cragID is stored
func (s *Service) IsDownloaded(ctx context.Context, cragID string) (bool, error) {
	return s.db.HasSnapshot(ctx, cragID)
}

// Meta returns the snapshot entry for cragID, or nil
func (s *Service) Meta(ctx context.Context, cragID string) (*model.SnapshotMeta, error) {
	return s.db.Meta(ctx, cragID)
}

// Crag returns the stored crag record, or nil
func (s *Service) Crag(ctx context.Context, cragID string) (*model.CragDetail, error) {
	return s.db.Crag(ctx, cragID)
}

// ImagesForCrag returns the stored photographs of cragID
func (s *Service) ImagesForCrag(ctx context.Context, cragID string) ([]model.ImageDetail, error) {
	return s.db.ImagesForCrag(ctx, cragID)
}

// Image returns one stored photograph, or nil
func (s *Service) Image(ctx context.Context, imageID string) (*model.ImageDetail, error) {
	return s.db.Image(ctx, imageID)
}

// List returns every stored snapshot, most recent download first
func (s *Service) List(ctx context.Context) ([]model.SnapshotMeta, error) {
	return s.db.ListMetas(ctx)
}

// Stats summarizes the blob cache
func (s *Service) Stats() store.CacheStats {
	return s.blobs.Stats()
}

// MapObjectURL returns a short-lived URL for the crag's map screenshot.
// ok is false when no screenshot is cached.
func (s *Service) MapObjectURL(ctx context.Context, cragID string) (string, bool, error) {
	key := MapKey(cragID)
	meta, err := s.db.Meta(ctx, cragID)
	if err != nil {
		return "", false, err
	}
	if meta != nil && meta.MapKey != "" {
		key = meta.MapKey
	}
	if !s.blobs.Has(key) {
		return "", false, nil
	}
	if s.urls == nil {
		return "", false, errors.New("object urls are not available")
	}

	url, err := s.urls.IssueObjectURL(key)
	if err != nil {
		return "", false, fmt.Errorf("issue object url: %w", err)
	}
	return url, true, nil
}

// Remove deletes the snapshot of cragID with every cache entry derived from
// it. Page entries go first, then the records in one transaction, then the
// map screenshot and finally the photographs, which are evicted best-effort.
// Photographs another stored crag still references are kept.
func (s *Service) Remove(ctx context.Context, cragID string) (*RemovalReport, error) {
	log := s.log.WithField("crag", cragID)

	images, err := s.db.ImagesForCrag(ctx, cragID)
	if err != nil {
		return nil, fmt.Errorf("read images for %s: %w", cragID, err)
	}
	meta, err := s.db.Meta(ctx, cragID)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", cragID, err)
	}
	mapKey := MapKey(cragID)
	if meta != nil && meta.MapKey != "" {
		mapKey = meta.MapKey
	}

	report := &RemovalReport{CragID: cragID, ImageRows: len(images)}

	imageIDs := make([]string, len(images))
	for i, img := range images {
		imageIDs[i] = img.ID
	}
	paths := pagePaths(cragID, imageIDs)
	report.Pages = PhaseReport{Total: len(paths)}
	for _, p := range paths {
		if err := s.blobs.Delete(p); err != nil {
			report.Pages.Failures = append(report.Pages.Failures, ItemFailure{Key: p, Err: err})
			continue
		}
		report.Pages.Cached++
	}

	if err := s.db.DeleteSnapshot(ctx, cragID); err != nil {
		return nil, fmt.Errorf("delete snapshot %s: %w", cragID, err)
	}

	if err := s.blobs.Delete(mapKey); err != nil {
		log.WithError(err).Warn("map screenshot not evicted")
	} else {
		report.MapEvicted = true
	}

	urls := photoURLs(images)
	inUse, err := s.photosInUse(ctx)
	if err != nil {
		// Without the reference set evict everything this crag used
		log.WithError(err).Warn("could not read other snapshots")
	}
	evict := make([]string, 0, len(urls))
	for _, u := range urls {
		if inUse[u] {
			report.SharedPhotos++
			continue
		}
		evict = append(evict, u)
	}

	report.Photos = s.evictAll(ctx, evict)
	for _, f := range report.Photos.Failures {
		log.WithError(f.Err).WithField("url", f.Key).Warn("photo not evicted")
	}

	log.WithFields(logrus.Fields{
		"images":  report.ImageRows,
		"evicted": report.Photos.Cached,
		"shared":  report.SharedPhotos,
	}).Info("snapshot removed")

	s.trackEvent("crag_removed", map[string]interface{}{
		"crag_id": cragID,
		"images":  report.ImageRows,
	})
	return report, nil
}

// photosInUse collects the photograph URLs of every remaining snapshot
func (s *Service) photosInUse(ctx context.Context) (map[string]bool, error) {
	metas, err := s.db.ListMetas(ctx)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool)
	for _, m := range metas {
		images, err := s.db.ImagesForCrag(ctx, m.CragID)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			inUse[img.URL] = true
		}
	}
	return inUse, nil
}
