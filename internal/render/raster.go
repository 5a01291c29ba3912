package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Rasterizer converts an SVG document to PNG bytes of the given size.
type Rasterizer interface {
	Rasterize(ctx context.Context, svg []byte, width, height int) ([]byte, error)
}

// OKSVGRasterizer rasterizes with oksvg/rasterx. The drawing is scaled to fit
// the target width and anchored at the top.
type OKSVGRasterizer struct{}

func (OKSVGRasterizer) Rasterize(ctx context.Context, svg []byte, width, height int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("rasterize: invalid size %dx%d", width, height)
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("rasterize: parse svg: %w", err)
	}
	if icon.ViewBox.W <= 0 || icon.ViewBox.H <= 0 {
		return nil, errors.New("rasterize: svg has no viewBox")
	}
	scale := float64(width) / icon.ViewBox.W
	icon.SetTarget(0, 0, float64(width), icon.ViewBox.H*scale)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	scanner := rasterx.NewScannerGV(width, height, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("rasterize: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// warmupSVG is rasterized once during engine initialization to prove the
// backend works in this process.
const warmupSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="8" height="8" viewBox="0 0 8 8"><rect x="0" y="0" width="8" height="8" fill="#000000"/><path d="M1 1L7 1L7 7Z" fill="#ffffff"/></svg>`

// NewOKSVGInit returns an engine initializer for the oksvg backend. When
// disabled is set the initializer always fails, which pins the engine in its
// unavailable state.
func NewOKSVGInit(disabled bool) InitFunc {
	return func(ctx context.Context) (Rasterizer, error) {
		if disabled {
			return nil, errors.New("raster backend disabled by configuration")
		}
		r := OKSVGRasterizer{}
		if _, err := r.Rasterize(ctx, []byte(warmupSVG), 8, 8); err != nil {
			return nil, fmt.Errorf("warm-up render: %w", err)
		}
		return r, nil
	}
}
