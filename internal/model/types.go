package model

import "encoding/json"

// BBox is a bounding box as (minX, minY, maxX, maxY). For source coordinates
// that is (minLon, minLat, maxLon, maxLat); for the projected form it is meters.
type BBox [4]float64

// SnapshotMeta is the registry entry for one downloaded crag
type SnapshotMeta struct {
	CragID         string `json:"cragId"`
	Name           string `json:"name"`
	DownloadedAt   int64  `json:"downloadedAt"` // epoch ms
	BBox           BBox   `json:"bbox"`
	BBoxMercator   BBox   `json:"bboxMercator"`
	MapKey         string `json:"mapKey"`
	MapGeneratedAt int64  `json:"mapGeneratedAt,omitempty"` // epoch ms, 0 until the screenshot is stored
}

// CragDetail is the denormalized copy of a crag's descriptive fields
type CragDetail struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Lat         *float64        `json:"lat"`
	Lon         *float64        `json:"lon"`
	RegionID    *string         `json:"regionId"`
	RegionName  *string         `json:"regionName"`
	Description *string         `json:"description"`
	AccessNotes *string         `json:"accessNotes"`
	RockType    *string         `json:"rockType"`
	Discipline  *string         `json:"discipline"`
	Boundary    json.RawMessage `json:"boundary"`
}

// HasBoundary reports whether a non-null boundary geometry is attached
func (c *CragDetail) HasBoundary() bool {
	return len(c.Boundary) > 0 && string(c.Boundary) != "null"
}

// ImageDetail is one photograph of a crag with its route overlays
type ImageDetail struct {
	ID                string         `json:"id"`
	CragID            string         `json:"cragId"`
	DisplayOrder      *int           `json:"displayOrder"`
	URL               string         `json:"url"`
	Lat               *float64       `json:"lat"`
	Lon               *float64       `json:"lon"`
	Verified          bool           `json:"verified"`
	VerificationCount int            `json:"verificationCount"`
	NaturalWidth      *int           `json:"naturalWidth"`
	NaturalHeight     *int           `json:"naturalHeight"`
	Width             *int           `json:"width"`
	Height            *int           `json:"height"`
	RouteLines        []RouteOverlay `json:"routeLines"`
}

// HasCoordinates reports whether the photo is georeferenced
func (i *ImageDetail) HasCoordinates() bool {
	return i.Lat != nil && i.Lon != nil
}

// Point is a normalized (0-1) position on a photograph
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RouteOverlay is a polyline drawn over a photograph marking one climb
type RouteOverlay struct {
	ID          string        `json:"id"`
	Points      []Point       `json:"points"`
	Color       string        `json:"color"`
	ImageWidth  *int          `json:"imageWidth"`
	ImageHeight *int          `json:"imageHeight"`
	Climb       *ClimbSummary `json:"climb"`
}

// ClimbSummary carries the climb identity shown next to an overlay
type ClimbSummary struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Grade       *string `json:"grade"`
	Description *string `json:"description"`
}
