package compositor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// Renderer executes drawing commands onto a canvas
type Renderer interface {
	Render(dst *image.RGBA, cmds []Command) error
}

// RasterRenderer draws commands into an RGBA canvas with anti-aliased
// vector paths
type RasterRenderer struct {
	mu    sync.Mutex
	bold  *opentype.Font
	faces map[float64]font.Face
}

// NewRasterRenderer loads the bundled bold font
func NewRasterRenderer() (*RasterRenderer, error) {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &RasterRenderer{bold: f, faces: make(map[float64]font.Face)}, nil
}

func (r *RasterRenderer) Render(dst *image.RGBA, cmds []Command) error {
	p := newPainter(dst)
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case Polyline:
			p.polyline(c)
		case Circle:
			p.disc(c.Center, c.Radius+c.StrokeWidth, c.Stroke)
			p.disc(c.Center, c.Radius, c.Fill)
		case Label:
			face, err := r.face(c.Size)
			if err != nil {
				return err
			}
			drawCenteredText(dst, c, face)
		default:
			return fmt.Errorf("unknown draw command %T", cmd)
		}
	}
	return nil
}

// Close releases cached font faces
func (r *RasterRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for size, f := range r.faces {
		f.Close()
		delete(r.faces, size)
	}
	return nil
}

func (r *RasterRenderer) face(size float64) (font.Face, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.faces[size]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(r.bold, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	r.faces[size] = f
	return f, nil
}

func drawCenteredText(dst *image.RGBA, l Label, face font.Face) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(l.Color),
		Face: face,
	}
	width := d.MeasureString(l.Text)
	m := face.Metrics()

	x := fixed.Int26_6(l.At.X*64) - width/2
	y := fixed.Int26_6(l.At.Y*64) + (m.Ascent-m.Descent)/2
	d.Dot = fixed.Point26_6{X: x, Y: y}
	d.DrawString(l.Text)
}

// painter fills vector paths onto one canvas, reusing a single rasterizer
type painter struct {
	dst    *image.RGBA
	z      *vector.Rasterizer
	ox, oy float64
}

func newPainter(dst *image.RGBA) *painter {
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Over
	return &painter{dst: dst, z: z, ox: float64(b.Min.X), oy: float64(b.Min.Y)}
}

// paint composites the traced path in col over the canvas and starts a
// new path
func (p *painter) paint(col color.RGBA) {
	b := p.dst.Bounds()
	p.z.Draw(p.dst, b, image.NewUniform(col), image.Point{})
	p.z.Reset(b.Dx(), b.Dy())
}

func (p *painter) at(pt PixelPoint) (float32, float32) {
	return float32(pt.X - p.ox), float32(pt.Y - p.oy)
}

// polyline strokes every visible dash with round caps, so corners join
func (p *painter) polyline(l Polyline) {
	if len(l.Points) < 2 {
		return
	}
	pts := l.Points
	if l.Closed {
		pts = append(append([]PixelPoint(nil), pts...), pts[0])
	}

	half := math.Max(l.Width/2, 0.5)
	for _, seg := range dashSegments(pts, l.Dash) {
		p.segment(seg[0], seg[1], half)
		p.circle(seg[0], half)
		p.circle(seg[1], half)
	}
	p.paint(l.Color)
}

// disc fills a circle of radius r around c
func (p *painter) disc(c PixelPoint, r float64, col color.RGBA) {
	if r <= 0 {
		return
	}
	p.circle(c, r)
	p.paint(col)
}

// segment adds the rectangle of half width half around a-b. All subpaths
// share one winding direction so overlaps never cancel.
func (p *painter) segment(a, b PixelPoint, half float64) {
	dx, dy := b.X-a.X, b.Y-a.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	n := PixelPoint{X: -dy / length * half, Y: dx / length * half}

	p.z.MoveTo(p.at(PixelPoint{X: a.X + n.X, Y: a.Y + n.Y}))
	p.z.LineTo(p.at(PixelPoint{X: b.X + n.X, Y: b.Y + n.Y}))
	p.z.LineTo(p.at(PixelPoint{X: b.X - n.X, Y: b.Y - n.Y}))
	p.z.LineTo(p.at(PixelPoint{X: a.X - n.X, Y: a.Y - n.Y}))
	p.z.ClosePath()
}

// circle adds four cubic arcs approximating a circle, wound like segment
func (p *painter) circle(c PixelPoint, r float64) {
	const kappa = 0.5522847498
	x, y := p.at(c)
	rr, k := float32(r), float32(r*kappa)

	p.z.MoveTo(x+rr, y)
	p.z.CubeTo(x+rr, y-k, x+k, y-rr, x, y-rr)
	p.z.CubeTo(x-k, y-rr, x-rr, y-k, x-rr, y)
	p.z.CubeTo(x-rr, y+k, x-k, y+rr, x, y+rr)
	p.z.CubeTo(x+k, y+rr, x+rr, y+k, x+rr, y)
	p.z.ClosePath()
}

// dashSegments splits the path through pts into its visible pieces under an
// on/off pattern. An empty pattern, or one with a non-positive length, draws
// every segment.
func dashSegments(pts []PixelPoint, pattern []float64) [][2]PixelPoint {
	for _, v := range pattern {
		if v <= 0 {
			pattern = nil
			break
		}
	}

	var out [][2]PixelPoint
	idx, left := 0, 0.0
	if len(pattern) > 0 {
		left = pattern[0]
	}
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		length := math.Hypot(b.X-a.X, b.Y-a.Y)
		if length == 0 {
			continue
		}
		if len(pattern) == 0 {
			out = append(out, [2]PixelPoint{a, b})
			continue
		}
		for s := 0.0; s < length; {
			step := math.Min(left, length-s)
			if idx%2 == 0 {
				out = append(out, [2]PixelPoint{lerp(a, b, s/length), lerp(a, b, (s+step)/length)})
			}
			s += step
			left -= step
			if left <= 0 {
				idx = (idx + 1) % len(pattern)
				left = pattern[idx]
			}
		}
	}
	return out
}

func lerp(a, b PixelPoint, t float64) PixelPoint {
	return PixelPoint{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}
