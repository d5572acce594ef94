package offline

import (
	"strings"
	"time"

	"github.com/paulmach/orb"

	"cragpack/internal/geo"
	"cragpack/internal/model"
	"cragpack/internal/remote"
)

// Snapshot is the structured part of a download, ready to be saved
type Snapshot struct {
	Meta   model.SnapshotMeta
	Crag   model.CragDetail
	Images []model.ImageDetail
}

// BuildSnapshot turns remote rows into the records stored for offline use.
// Route lines without a climb are dropped, photographs get a spatial display
// order and the crag gets an expanded bounding box. ErrNoGeometry is returned
// when neither the boundary, the photographs nor the crag are located.
func BuildSnapshot(crag *remote.Crag, images []remote.Image, lines []remote.RouteLine, marginRatio float64, now time.Time) (*Snapshot, error) {
	overlays := groupOverlays(lines)

	points := make([]geo.LatLon, len(images))
	for i, img := range images {
		if img.Lat != nil && img.Lon != nil {
			points[i] = geo.LatLon{Lat: *img.Lat, Lon: *img.Lon, Valid: true}
		}
	}
	order := geo.SpatialOrder(points)

	details := make([]model.ImageDetail, 0, len(images))
	for i, img := range images {
		d := model.ImageDetail{
			ID:                img.ID,
			CragID:            crag.ID,
			URL:               img.URL,
			Lat:               img.Lat,
			Lon:               img.Lon,
			Verified:          img.Verified,
			VerificationCount: img.VerificationCount,
			NaturalWidth:      img.NaturalWidth,
			NaturalHeight:     img.NaturalHeight,
			Width:             img.Width,
			Height:            img.Height,
			RouteLines:        overlays[img.ID],
		}
		if d.RouteLines == nil {
			d.RouteLines = []model.RouteOverlay{}
		}
		if order[i] > 0 {
			seq := order[i]
			d.DisplayOrder = &seq
		}
		details = append(details, d)
	}

	box, ok := cragBBox(crag, details)
	if !ok {
		return nil, ErrNoGeometry
	}
	box = geo.ExpandBBox(box, marginRatio)

	return &Snapshot{
		Meta: model.SnapshotMeta{
			CragID:       crag.ID,
			Name:         crag.Name,
			DownloadedAt: now.UnixMilli(),
			BBox:         box,
			BBoxMercator: geo.ProjectBBox(box),
			MapKey:       MapKey(crag.ID),
		},
		Crag: model.CragDetail{
			ID:          crag.ID,
			Name:        crag.Name,
			Lat:         crag.Lat,
			Lon:         crag.Lon,
			RegionID:    crag.RegionID,
			RegionName:  crag.RegionName,
			Description: crag.Description,
			AccessNotes: crag.AccessNotes,
			RockType:    crag.RockType,
			Discipline:  crag.Discipline,
			Boundary:    crag.Boundary,
		},
		Images: details,
	}, nil
}

// cragBBox picks the boundary polygon, then the photo points, then the crag
// point as the base box, and grows it to cover every located photo and the
// crag itself so no pin falls off the map.
func cragBBox(crag *remote.Crag, images []model.ImageDetail) (model.BBox, bool) {
	imageCoords := func(img model.ImageDetail) (float64, float64, bool) {
		if !img.HasCoordinates() {
			return 0, 0, false
		}
		return *img.Lon, *img.Lat, true
	}

	box, ok := geo.BBoxFromPolygon(crag.Boundary)
	if !ok {
		box, ok = geo.BBoxFromPoints(images, imageCoords)
	}
	cragPoint, hasPoint := geo.BBoxFromPoints([]*remote.Crag{crag}, func(c *remote.Crag) (float64, float64, bool) {
		if c.Lat == nil || c.Lon == nil {
			return 0, 0, false
		}
		return *c.Lon, *c.Lat, true
	})
	if !ok {
		return cragPoint, hasPoint
	}

	bound := orb.Bound{Min: orb.Point{box[0], box[1]}, Max: orb.Point{box[2], box[3]}}
	if photos, found := geo.BBoxFromPoints(images, imageCoords); found {
		bound = bound.Union(orb.Bound{Min: orb.Point{photos[0], photos[1]}, Max: orb.Point{photos[2], photos[3]}})
	}
	if hasPoint {
		bound = bound.Extend(orb.Point{cragPoint[0], cragPoint[1]})
	}
	return model.BBox{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}, true
}

// groupOverlays keys route overlays by image id, keeping only lines attached
// to a climb
func groupOverlays(lines []remote.RouteLine) map[string][]model.RouteOverlay {
	grouped := make(map[string][]model.RouteOverlay)
	for _, l := range lines {
		ov, ok := toOverlay(l)
		if !ok {
			continue
		}
		grouped[l.ImageID] = append(grouped[l.ImageID], ov)
	}
	return grouped
}

func toOverlay(l remote.RouteLine) (model.RouteOverlay, bool) {
	if l.Climb == nil {
		return model.RouteOverlay{}, false
	}
	points := l.Points
	if points == nil {
		points = []model.Point{}
	}
	return model.RouteOverlay{
		ID:          l.ID,
		Points:      points,
		Color:       l.Color,
		ImageWidth:  l.ImageWidth,
		ImageHeight: l.ImageHeight,
		Climb: &model.ClimbSummary{
			ID:          l.Climb.ID,
			Name:        trimOrNil(l.Climb.Name),
			Grade:       trimOrNil(l.Climb.Grade),
			Description: trimOrNil(l.Climb.Description),
		},
	}, true
}

func trimOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
