// Package remote talks to the services a snapshot is built from: the crag
// data service, the page renderer and the map rasterizer.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"cragpack/internal/model"
)

var (
	// ErrRateLimited is returned without a request while a host is backing off
	ErrRateLimited = errors.New("rate limited")

	// ErrStatus wraps non-2xx responses
	ErrStatus = errors.New("unexpected status")
)

// Crag is a crag row as served by the data service
type Crag struct {
	ID          string
	Name        string
	Lat         *float64
	Lon         *float64
	RegionID    *string
	RegionName  *string
	Description *string
	AccessNotes *string
	RockType    *string
	Discipline  *string
	Boundary    json.RawMessage
}

// Image is a photograph row
type Image struct {
	ID                string
	CragID            string
	URL               string
	Lat               *float64
	Lon               *float64
	Verified          bool
	VerificationCount int
	NaturalWidth      *int
	NaturalHeight     *int
	Width             *int
	Height            *int
}

// RouteLine is an overlay row with its climb joined in. Climb is nil when
// the line is not attached to a climb.
type RouteLine struct {
	ID          string
	ImageID     string
	Points      []model.Point
	Color       string
	ImageWidth  *int
	ImageHeight *int
	Climb       *Climb
}

// Climb is the joined climb summary of a route line
type Climb struct {
	ID          string
	Name        *string
	Grade       *string
	Description *string
}

// DataSource reads the records a snapshot is built from
type DataSource interface {
	// Crag returns nil, nil when no crag has the id
	Crag(ctx context.Context, id string) (*Crag, error)
	Images(ctx context.Context, cragID string) ([]Image, error)
	RouteLines(ctx context.Context, imageIDs []string) ([]RouteLine, error)
}

// ParsePoints decodes route points stored either as a JSON array of {x,y}
// objects or as a string holding that array. Entries without numeric x and
// y are skipped.
func ParsePoints(raw string) []model.Point {
	r := gjson.Parse(raw)
	if r.Type == gjson.String {
		r = gjson.Parse(r.Str)
	}
	if !r.IsArray() {
		return nil
	}

	var points []model.Point
	r.ForEach(func(_, p gjson.Result) bool {
		x, y := p.Get("x"), p.Get("y")
		if x.Type != gjson.Number || y.Type != gjson.Number {
			return true
		}
		points = append(points, model.Point{X: x.Float(), Y: y.Float()})
		return true
	})
	return points
}
