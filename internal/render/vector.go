package render

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/image/font"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"ogimage/internal/templates"
)

const (
	accentBarHeight = 12
	blockGap        = 20
	footerGap       = 24
)

// Vectorize draws the layout as an SVG document. Text is emitted as glyph
// outlines, so the document renders identically without any installed fonts.
func Vectorize(l templates.Layout, fonts FontSet) ([]byte, error) {
	if fonts.Regular == nil {
		return nil, errors.New("vectorize: no font face")
	}
	g := &glyphWriter{fonts: fonts}
	contentWidth := float64(l.Width - 2*templates.Padding)

	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="`)
	b.WriteString(strconv.Itoa(l.Width))
	b.WriteString(`" height="`)
	b.WriteString(strconv.Itoa(l.Height))
	b.WriteString(`" viewBox="0 0 `)
	b.WriteString(strconv.Itoa(l.Width))
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(l.Height))
	b.WriteString(`">`)
	writeRect(&b, 0, 0, l.Width, l.Height, l.Palette.Background)
	writeRect(&b, 0, 0, l.Width, accentBarHeight, l.Palette.Accent)

	footerLines := make([][]string, len(l.Footer))
	footerHeight := 0.0
	for i, block := range l.Footer {
		footerLines[i] = g.wrap(fonts.face(block.Bold), block.Size, contentWidth, block.Text, block.MaxLines)
		footerHeight += float64(len(footerLines[i])) * block.Size * block.LineHeight
		if i > 0 {
			footerHeight += blockGap
		}
	}
	footerTop := float64(l.Height-templates.Padding) - footerHeight
	bodyLimit := float64(l.Height - templates.Padding)
	if len(l.Footer) > 0 {
		bodyLimit = footerTop - footerGap
	}

	y := float64(templates.Padding)
	for _, block := range l.Body {
		face := fonts.face(block.Bold)
		lines := g.wrap(face, block.Size, contentWidth, block.Text, block.MaxLines)
		if len(lines) == 0 {
			continue
		}
		lineHeight := block.Size * block.LineHeight
		drawn := false
		for _, line := range lines {
			if y+lineHeight > bodyLimit {
				break
			}
			g.writeLine(&b, face, block, line, float64(templates.Padding), y)
			y += lineHeight
			drawn = true
		}
		if drawn {
			y += blockGap
		}
	}

	y = footerTop
	for i, block := range l.Footer {
		face := fonts.face(block.Bold)
		for _, line := range footerLines[i] {
			g.writeLine(&b, face, block, line, float64(templates.Padding), y)
			y += block.Size * block.LineHeight
		}
		y += blockGap
	}

	b.WriteString("</svg>")
	return []byte(b.String()), nil
}

func writeRect(b *strings.Builder, x, y, w, h int, fill string) {
	b.WriteString(`<rect x="`)
	b.WriteString(strconv.Itoa(x))
	b.WriteString(`" y="`)
	b.WriteString(strconv.Itoa(y))
	b.WriteString(`" width="`)
	b.WriteString(strconv.Itoa(w))
	b.WriteString(`" height="`)
	b.WriteString(strconv.Itoa(h))
	b.WriteString(`" fill="`)
	b.WriteString(fill)
	b.WriteString(`"/>`)
}

// glyphWriter measures and outlines text. It owns an sfnt.Buffer and so must
// not be shared between goroutines.
type glyphWriter struct {
	buf   sfnt.Buffer
	fonts FontSet
}

func toFixed(v float64) fixed.Int26_6 { return fixed.Int26_6(math.Round(v * 64)) }

func fromFixed(v fixed.Int26_6) float64 { return float64(v) / 64 }

func formatCoord(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// lookup finds the glyph for r in f, then in the fallback face, then in the
// emoji face.
func (g *glyphWriter) lookup(f *sfnt.Font, r rune) (*sfnt.Font, sfnt.GlyphIndex) {
	if idx, err := f.GlyphIndex(&g.buf, r); err == nil && idx != 0 {
		return f, idx
	}
	for _, alt := range []*sfnt.Font{g.fonts.Fallback, g.fonts.Emoji} {
		if alt == nil || alt == f {
			continue
		}
		if idx, err := alt.GlyphIndex(&g.buf, r); err == nil && idx != 0 {
			return alt, idx
		}
	}
	return nil, 0
}

// invisible reports runes that never produce ink: joiners, variation
// selectors, tags and combining marks.
func invisible(r rune) bool {
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf, unicode.Mn, unicode.Variation_Selector)
}

// Runes no face covers are drawn as an outlined box, sized from the em.
const (
	missingAdvance = 0.7
	missingWidth   = 0.55
	missingHeight  = 0.7
	missingStroke  = 0.06
)

func writeMissingBox(d *strings.Builder, x, baseline, size float64) {
	x0, x1 := x+size*(missingAdvance-missingWidth)/2, x+size*(missingAdvance+missingWidth)/2
	y0, y1 := baseline-size*missingHeight, baseline
	in := size * missingStroke
	corners := func(pts ...float64) {
		for i := 0; i < len(pts); i += 2 {
			if i == 0 {
				d.WriteString("M")
			} else {
				d.WriteString("L")
			}
			d.WriteString(formatCoord(pts[i]))
			d.WriteByte(' ')
			d.WriteString(formatCoord(pts[i+1]))
		}
		d.WriteString("Z")
	}
	corners(x0, y0, x1, y0, x1, y1, x0, y1)
	corners(x0+in, y0+in, x0+in, y1-in, x1-in, y1-in, x1-in, y0+in)
}

func (g *glyphWriter) kern(face, prevFace *sfnt.Font, prev, idx sfnt.GlyphIndex, ppem fixed.Int26_6) float64 {
	if face != prevFace || prev == 0 {
		return 0
	}
	k, err := face.Kern(&g.buf, prev, idx, ppem, font.HintingNone)
	if err != nil {
		return 0
	}
	return fromFixed(k)
}

func (g *glyphWriter) measure(f *sfnt.Font, size float64, s string) float64 {
	ppem := toFixed(size)
	var (
		width    float64
		prevFace *sfnt.Font
		prev     sfnt.GlyphIndex
	)
	for _, r := range s {
		face, idx := g.lookup(f, r)
		if face == nil {
			if !invisible(r) {
				width += size * missingAdvance
				prevFace, prev = nil, 0
			}
			continue
		}
		width += g.kern(face, prevFace, prev, idx, ppem)
		if adv, err := face.GlyphAdvance(&g.buf, idx, ppem, font.HintingNone); err == nil {
			width += fromFixed(adv)
		}
		prevFace, prev = face, idx
	}
	return width
}

// wrap breaks text into at most maxLines lines no wider than maxWidth,
// splitting on whitespace and, for words wider than a line, between runes.
// Overflowing text is cut and the last line ends in an ellipsis.
func (g *glyphWriter) wrap(f *sfnt.Font, size, maxWidth float64, text string, maxLines int) []string {
	if maxLines <= 0 {
		maxLines = 1
	}
	var (
		lines []string
		cur   string
	)
	for _, word := range strings.Fields(text) {
		candidate := word
		if cur != "" {
			candidate = cur + " " + word
		}
		if g.measure(f, size, candidate) <= maxWidth {
			cur = candidate
			continue
		}
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
		runes := []rune(word)
		for len(runes) > 0 && g.measure(f, size, string(runes)) > maxWidth {
			n := g.fit(f, size, maxWidth, runes)
			lines = append(lines, string(runes[:n]))
			runes = runes[n:]
		}
		cur = string(runes)
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		lines[maxLines-1] = g.ellipsize(f, size, maxWidth, lines[maxLines-1])
	}
	return lines
}

// fit returns how many leading runes fit in maxWidth, at least one.
func (g *glyphWriter) fit(f *sfnt.Font, size, maxWidth float64, runes []rune) int {
	n := 1
	for n < len(runes) && g.measure(f, size, string(runes[:n+1])) <= maxWidth {
		n++
	}
	return n
}

func (g *glyphWriter) ellipsize(f *sfnt.Font, size, maxWidth float64, line string) string {
	ellipsis := "…"
	if face, _ := g.lookup(f, '…'); face == nil {
		ellipsis = "..."
	}
	runes := []rune(strings.TrimSpace(line))
	for len(runes) > 0 && g.measure(f, size, string(runes)+ellipsis) > maxWidth {
		runes = runes[:len(runes)-1]
	}
	return strings.TrimRight(string(runes), " ") + ellipsis
}

// writeLine emits one line as a single path whose top edge sits at top.
func (g *glyphWriter) writeLine(b *strings.Builder, f *sfnt.Font, block templates.TextBlock, line string, x, top float64) {
	ppem := toFixed(block.Size)
	baseline := top + block.Size*0.8
	if m, err := f.Metrics(&g.buf, ppem, font.HintingNone); err == nil {
		baseline = top + fromFixed(m.Ascent)
	}

	var (
		d        strings.Builder
		prevFace *sfnt.Font
		prev     sfnt.GlyphIndex
	)
	for _, r := range line {
		face, idx := g.lookup(f, r)
		if face == nil {
			if !invisible(r) {
				writeMissingBox(&d, x, baseline, block.Size)
				x += block.Size * missingAdvance
				prevFace, prev = nil, 0
			}
			continue
		}
		x += g.kern(face, prevFace, prev, idx, ppem)
		segments, err := face.LoadGlyph(&g.buf, idx, ppem, nil)
		if err == nil {
			writeSegments(&d, segments, x, baseline)
		}
		if adv, err := face.GlyphAdvance(&g.buf, idx, ppem, font.HintingNone); err == nil {
			x += fromFixed(adv)
		}
		prevFace, prev = face, idx
	}
	if d.Len() == 0 {
		return
	}
	b.WriteString(`<path fill="`)
	b.WriteString(block.Color)
	b.WriteString(`" fill-rule="nonzero" d="`)
	b.WriteString(d.String())
	b.WriteString(`"/>`)
}

func writeSegments(d *strings.Builder, segments sfnt.Segments, dx, dy float64) {
	point := func(p fixed.Point26_6) {
		d.WriteString(formatCoord(dx + fromFixed(p.X)))
		d.WriteByte(' ')
		d.WriteString(formatCoord(dy + fromFixed(p.Y)))
	}
	open := false
	for _, seg := range segments {
		switch seg.Op {
		case sfnt.SegmentOpMoveTo:
			if open {
				d.WriteString("Z")
			}
			d.WriteString("M")
			point(seg.Args[0])
			open = true
		case sfnt.SegmentOpLineTo:
			d.WriteString("L")
			point(seg.Args[0])
		case sfnt.SegmentOpQuadTo:
			d.WriteString("Q")
			point(seg.Args[0])
			d.WriteByte(' ')
			point(seg.Args[1])
		case sfnt.SegmentOpCubeTo:
			d.WriteString("C")
			point(seg.Args[0])
			d.WriteByte(' ')
			point(seg.Args[1])
			d.WriteByte(' ')
			point(seg.Args[2])
		}
	}
	if open {
		d.WriteString("Z")
	}
}
