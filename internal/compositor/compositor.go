package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"cragpack/internal/logging"
	"cragpack/internal/model"
)

// MapRenderer produces the base map raster for a lon/lat box
type MapRenderer interface {
	RenderMap(ctx context.Context, bbox model.BBox, width, height int) ([]byte, error)
}

// BlobWriter stores the finished screenshot
type BlobWriter interface {
	Put(key, contentType string, data []byte) error
}

// Compositor builds map screenshots
type Compositor struct {
	maps     MapRenderer
	blobs    BlobWriter
	renderer Renderer
	log      logrus.FieldLogger
}

// Option customizes a Compositor
type Option func(*Compositor)

// WithRenderer swaps the drawing backend
func WithRenderer(r Renderer) Option {
	return func(c *Compositor) { c.renderer = r }
}

// New creates a compositor that draws with RasterRenderer unless overridden
func New(maps MapRenderer, blobs BlobWriter, log logrus.FieldLogger, opts ...Option) (*Compositor, error) {
	c := &Compositor{
		maps:  maps,
		blobs: blobs,
		log:   logging.Component(log, "compositor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.renderer == nil {
		r, err := NewRasterRenderer()
		if err != nil {
			return nil, err
		}
		c.renderer = r
	}
	return c, nil
}

// Compose renders req and stores the PNG under key, replacing any previous
// screenshot. Any failure, including the base map request, is returned.
func (c *Compositor) Compose(ctx context.Context, key string, req Request) error {
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("invalid map size %dx%d", req.Width, req.Height)
	}

	raw, err := c.maps.RenderMap(ctx, req.BBox, req.Width, req.Height)
	if err != nil {
		return fmt.Errorf("base map for crag %s: %w", req.CragID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	base, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode base map: %w", err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	if base.Bounds().Dx() == req.Width && base.Bounds().Dy() == req.Height {
		draw.Draw(canvas, canvas.Bounds(), base, base.Bounds().Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), base, base.Bounds(), xdraw.Src, nil)
	}

	cmds := Plan(req)
	if err := c.renderer.Render(canvas, cmds); err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return fmt.Errorf("encode screenshot: %w", err)
	}
	if err := c.blobs.Put(key, "image/png", buf.Bytes()); err != nil {
		return fmt.Errorf("store screenshot: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"crag":     req.CragID,
		"format":   format,
		"pins":     len(req.Pins),
		"commands": len(cmds),
		"bytes":    buf.Len(),
	}).Debug("map screenshot stored")
	return nil
}
