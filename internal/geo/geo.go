// Package geo holds the coordinate math used to frame a crag snapshot:
// web mercator reprojection, bounding boxes, haversine distance and bearing.
package geo

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	orbgeo "github.com/paulmach/orb/geo"

	"cragpack/internal/model"
)

const (
	// EarthRadius is the spherical web mercator radius in meters (EPSG:3857)
	EarthRadius = 6378137.0

	// MaxLat is the web mercator latitude limit
	MaxLat = 85.051129

	// DefaultMarginRatio is the share of the box span added to every side
	DefaultMarginRatio = 0.15

	// MinMarginDegrees keeps single-point boxes from collapsing
	MinMarginDegrees = 0.002
)

// ToWebMercator converts WGS84 lon/lat to web mercator meters
func ToWebMercator(lon, lat float64) (x, y float64) {
	lat = math.Max(-MaxLat, math.Min(MaxLat, lat))
	x = EarthRadius * lon * math.Pi / 180.0
	latRad := lat * math.Pi / 180.0
	y = EarthRadius * math.Log(math.Tan(math.Pi/4+latRad/2))
	return x, y
}

// ProjectBBox reprojects a lon/lat box to web mercator meters
func ProjectBBox(b model.BBox) model.BBox {
	minX, minY := ToWebMercator(b[0], b[1])
	maxX, maxY := ToWebMercator(b[2], b[3])
	return model.BBox{minX, minY, maxX, maxY}
}

// BBoxFromPoints returns the box around every item coords reports as
// georeferenced. ok is false when no item carries finite coordinates.
func BBoxFromPoints[T any](items []T, coords func(T) (lon, lat float64, ok bool)) (model.BBox, bool) {
	bound, found := orb.Bound{}, false
	for _, item := range items {
		lon, lat, ok := coords(item)
		if !ok || !isFinite(lon) || !isFinite(lat) {
			continue
		}
		p := orb.Point{lon, lat}
		if !found {
			bound, found = p.Bound(), true
			continue
		}
		bound = bound.Extend(p)
	}
	if !found {
		return model.BBox{}, false
	}
	return fromBound(bound), true
}

// BBoxFromPolygon returns the box around the first ring of a GeoJSON
// polygon-shaped geometry. Invalid or empty input yields ok=false.
func BBoxFromPolygon(raw json.RawMessage) (model.BBox, bool) {
	ring, ok := BoundaryRing(raw)
	if !ok {
		return model.BBox{}, false
	}
	return BBoxFromPoints(ring, func(p orb.Point) (float64, float64, bool) {
		return p.Lon(), p.Lat(), true
	})
}

// BoundaryRing extracts the first ring of a Polygon, MultiPolygon or a
// Feature wrapping one. Non-finite vertices are dropped.
func BoundaryRing(raw json.RawMessage) (orb.Ring, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}

	poly := parsePolygon(raw)
	if len(poly) == 0 {
		return nil, false
	}

	ring := make(orb.Ring, 0, len(poly[0]))
	for _, p := range poly[0] {
		if isFinite(p.Lon()) && isFinite(p.Lat()) {
			ring = append(ring, p)
		}
	}
	if len(ring) == 0 {
		return nil, false
	}
	return ring, true
}

// parsePolygon accepts GeoJSON objects and, for older rows, bare ring or
// polygon coordinate arrays
func parsePolygon(raw json.RawMessage) orb.Polygon {
	var g orb.Geometry
	if f, err := geojson.UnmarshalFeature(raw); err == nil && f.Geometry != nil {
		g = f.Geometry
	} else if geom, err := geojson.UnmarshalGeometry(raw); err == nil {
		g = geom.Geometry()
	} else {
		var ring orb.Ring
		if err := json.Unmarshal(raw, &ring); err == nil {
			return orb.Polygon{ring}
		}
		var poly orb.Polygon
		if err := json.Unmarshal(raw, &poly); err == nil {
			return poly
		}
		return nil
	}

	switch v := g.(type) {
	case orb.Polygon:
		return v
	case orb.MultiPolygon:
		if len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

// ExpandBBox grows every side by ratio of the box span, or MinMarginDegrees
// when the span is smaller than that
func ExpandBBox(b model.BBox, ratio float64) model.BBox {
	padX := math.Max((b[2]-b[0])*ratio, MinMarginDegrees)
	padY := math.Max((b[3]-b[1])*ratio, MinMarginDegrees)
	return model.BBox{b[0] - padX, b[1] - padY, b[2] + padX, b[3] + padY}
}

// Contains reports whether lon/lat lies inside b (edges inclusive)
func Contains(b model.BBox, lon, lat float64) bool {
	return lon >= b[0] && lon <= b[2] && lat >= b[1] && lat <= b[3]
}

// Distance is the haversine great-circle distance in meters
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// Bearing is the initial compass bearing from point 1 to point 2 in [0, 360)
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	b := orbgeo.Bearing(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
	b = math.Mod(b+360, 360)
	if b >= 360 {
		b = 0
	}
	return b
}

func fromBound(b orb.Bound) model.BBox {
	return model.BBox{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
