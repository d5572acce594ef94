// Package compositor renders the offline map screenshot of a crag: a base
// raster from the map service with the boundary and photo pins drawn on top.
package compositor

import (
	"encoding/json"
	"image/color"
	"strconv"

	"cragpack/internal/geo"
	"cragpack/internal/model"
)

var (
	VerifiedColor   = color.RGBA{0x16, 0xa3, 0x4a, 0xff} // #16a34a
	UnverifiedColor = color.RGBA{0xf5, 0x9e, 0x0b, 0xff} // #f59e0b
	PinStrokeColor  = color.RGBA{0xff, 0xff, 0xff, 0xff}
	BoundaryColor   = color.RGBA{0x1d, 0x4e, 0xd8, 0xff}
	LabelColor      = color.RGBA{0xff, 0xff, 0xff, 0xff}
)

const (
	PinRadius       = 11.0
	PinStrokeWidth  = 2.0
	BoundaryWidth   = 3.0
	LabelSize       = 12.0
	boundaryDashOn  = 10.0
	boundaryDashOff = 6.0
)

// Pin marks one georeferenced photograph on the map
type Pin struct {
	ID       string
	Lat      float64
	Lon      float64
	Seq      int // 0 draws no label
	Verified bool
}

// Request describes one map screenshot
type Request struct {
	CragID       string
	BBox         model.BBox // lon/lat
	BBoxMercator model.BBox // meters
	Width        int
	Height       int
	Boundary     json.RawMessage
	Pins         []Pin
}

// PixelPoint is a position on the output canvas, y growing downward
type PixelPoint struct {
	X, Y float64
}

// Command is one drawing instruction in pixel space
type Command interface {
	command()
}

// Polyline strokes connected segments. Dash alternates on/off lengths; nil is solid.
type Polyline struct {
	Points []PixelPoint
	Closed bool
	Color  color.RGBA
	Width  float64
	Dash   []float64
}

// Circle is a filled disc with an outer stroke
type Circle struct {
	Center      PixelPoint
	Radius      float64
	Fill        color.RGBA
	Stroke      color.RGBA
	StrokeWidth float64
}

// Label is bold text centered on At
type Label struct {
	At    PixelPoint
	Text  string
	Color color.RGBA
	Size  float64
}

func (Polyline) command() {}
func (Circle) command()   {}
func (Label) command()    {}

// Projector maps lon/lat to canvas pixels through web mercator
type Projector struct {
	box           model.BBox
	width, height float64
}

// NewProjector maps the mercator box onto a width x height canvas
func NewProjector(mercator model.BBox, width, height int) Projector {
	return Projector{box: mercator, width: float64(width), height: float64(height)}
}

// Project returns the pixel position of lon/lat. Northing grows upward while
// pixel rows grow downward, so the vertical axis is flipped.
func (p Projector) Project(lon, lat float64) PixelPoint {
	x, y := geo.ToWebMercator(lon, lat)

	spanX := p.box[2] - p.box[0]
	spanY := p.box[3] - p.box[1]

	px, py := p.width/2, p.height/2
	if spanX > 0 {
		px = (x - p.box[0]) / spanX * p.width
	}
	if spanY > 0 {
		py = (p.box[3] - y) / spanY * p.height
	}
	return PixelPoint{X: px, Y: py}
}

// Plan builds the overlay drawing commands for req: the dashed boundary
// first, then one circle per pin with its sequence label on top.
func Plan(req Request) []Command {
	proj := NewProjector(req.BBoxMercator, req.Width, req.Height)
	var cmds []Command

	if ring, ok := geo.BoundaryRing(req.Boundary); ok && len(ring) > 1 {
		pts := make([]PixelPoint, 0, len(ring))
		for _, v := range ring {
			pts = append(pts, proj.Project(v.Lon(), v.Lat()))
		}
		cmds = append(cmds, Polyline{
			Points: pts,
			Closed: true,
			Color:  BoundaryColor,
			Width:  BoundaryWidth,
			Dash:   []float64{boundaryDashOn, boundaryDashOff},
		})
	}

	for _, pin := range req.Pins {
		center := proj.Project(pin.Lon, pin.Lat)
		fill := UnverifiedColor
		if pin.Verified {
			fill = VerifiedColor
		}
		cmds = append(cmds, Circle{
			Center:      center,
			Radius:      PinRadius,
			Fill:        fill,
			Stroke:      PinStrokeColor,
			StrokeWidth: PinStrokeWidth,
		})
		if pin.Seq > 0 {
			cmds = append(cmds, Label{
				At:    center,
				Text:  strconv.Itoa(pin.Seq),
				Color: LabelColor,
				Size:  LabelSize,
			})
		}
	}
	return cmds
}
