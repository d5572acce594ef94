package geo

import "sort"

// LatLon is an optional coordinate pair; Valid is false for photos taken
// without a location
type LatLon struct {
	Lat, Lon float64
	Valid    bool
}

// SpatialOrder assigns 1-based display sequence numbers by sweeping
// clockwise around the centroid of the valid points, starting at north.
// Ties on bearing are broken by distance from the centroid. Entries without
// a valid coordinate get 0.
func SpatialOrder(points []LatLon) []int {
	seq := make([]int, len(points))

	var sumLat, sumLon float64
	valid := make([]int, 0, len(points))
	for i, p := range points {
		if !p.Valid || !isFinite(p.Lat) || !isFinite(p.Lon) {
			continue
		}
		sumLat += p.Lat
		sumLon += p.Lon
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return seq
	}

	cLat := sumLat / float64(len(valid))
	cLon := sumLon / float64(len(valid))

	type polar struct {
		idx      int
		bearing  float64
		distance float64
	}
	entries := make([]polar, len(valid))
	for n, i := range valid {
		p := points[i]
		entries[n] = polar{
			idx:      i,
			bearing:  Bearing(cLat, cLon, p.Lat, p.Lon),
			distance: Distance(cLat, cLon, p.Lat, p.Lon),
		}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].bearing != entries[b].bearing {
			return entries[a].bearing < entries[b].bearing
		}
		return entries[a].distance < entries[b].distance
	})

	for n, e := range entries {
		seq[e.idx] = n + 1
	}
	return seq
}
