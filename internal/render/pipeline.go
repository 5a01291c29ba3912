// Package render turns resolved template content into SVG and PNG images.
package render

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ogimage/internal/domain"
	"ogimage/internal/params"
	"ogimage/internal/templates"
)

const (
	ContentTypeSVG = "image/svg+xml"
	ContentTypePNG = "image/png"
)

// State is the last state the pipeline reached for a request.
type State string

const (
	StateVector         State = "vector"
	StateRaster         State = "raster"
	StateVectorFallback State = "vector_fallback"
)

// Output is a rendered image.
type Output struct {
	Body         []byte
	ContentType  string
	State        State
	Font         string
	FontFellBack bool
}

// Fallback reports whether vector output was served in place of raster.
func (o Output) Fallback() bool {
	return o.State == StateVectorFallback
}

// Fonts resolves font faces for a layout.
type Fonts interface {
	Load(ctx context.Context, name, fontURL, text string) FontSet
}

// Pipeline renders descriptors: vector first, then raster unless the caller
// asked for SVG.
type Pipeline struct {
	fonts  Fonts
	raster Rasterizer
	logger zerolog.Logger
}

func NewPipeline(fonts Fonts, raster Rasterizer, logger zerolog.Logger) *Pipeline {
	return &Pipeline{fonts: fonts, raster: raster, logger: logger}
}

// Render draws d in the requested format. When rasterization fails with
// ErrEngineUnavailable and fallback is allowed, the SVG is returned instead.
func (p *Pipeline) Render(ctx context.Context, d templates.Descriptor, format params.Format, allowFallback bool) (Output, error) {
	layout := templates.Build(d)
	fonts := p.fonts.Load(ctx, d.Font, d.FontURL, layout.Text())

	svg, err := Vectorize(layout, fonts)
	if err != nil {
		return Output{}, domain.RenderFailed(err)
	}
	out := Output{Body: svg, ContentType: ContentTypeSVG, State: StateVector, Font: fonts.Name, FontFellBack: fonts.FellBack}
	if format == params.FormatSVG {
		return out, nil
	}

	png, err := p.raster.Rasterize(ctx, svg, layout.Width, layout.Height)
	if err == nil {
		out.Body, out.ContentType, out.State = png, ContentTypePNG, StateRaster
		return out, nil
	}
	if errors.Is(err, ErrEngineUnavailable) && allowFallback {
		p.logger.Warn().Err(err).Msg("raster engine unavailable, serving svg")
		out.State = StateVectorFallback
		return out, nil
	}
	return Output{}, domain.RenderFailed(err)
}
