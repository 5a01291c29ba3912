package templates

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Canvas dimensions shared by every template.
const (
	Width   = 1200
	Height  = 630
	Padding = 80
)

// Palette is the colour set of one theme.
type Palette struct {
	Background string
	Foreground string
	Muted      string
	Accent     string
}

var palettes = map[string]Palette{
	"light":    {Background: "#ffffff", Foreground: "#111827", Muted: "#4b5563", Accent: "#2563eb"},
	"dark":     {Background: "#0f172a", Foreground: "#f8fafc", Muted: "#94a3b8", Accent: "#38bdf8"},
	"midnight": {Background: "#0b1026", Foreground: "#e0e7ff", Muted: "#a5b4fc", Accent: "#818cf8"},
	"sunset":   {Background: "#fff7ed", Foreground: "#7c2d12", Muted: "#9a3412", Accent: "#f97316"},
	"forest":   {Background: "#052e16", Foreground: "#ecfdf5", Muted: "#a7f3d0", Accent: "#22c55e"},
}

// PaletteFor returns the theme palette, falling back to light.
func PaletteFor(theme string) Palette {
	if p, ok := palettes[theme]; ok {
		return p
	}
	return palettes["light"]
}

// TextBlock is a run of text wrapped to MaxLines lines of at most the canvas
// content width.
type TextBlock struct {
	Text       string
	Size       float64
	LineHeight float64
	MaxLines   int
	Color      string
	Bold       bool
}

// Layout is a drawable page: blocks in Body flow down from the top padding,
// Footer blocks are pinned to the bottom padding.
type Layout struct {
	Width   int
	Height  int
	Palette Palette
	Body    []TextBlock
	Footer  []TextBlock
}

// Build composes the layout for a resolved descriptor.
func Build(d Descriptor) Layout {
	pal := PaletteFor(d.Theme)
	// Casers carry state, so each build gets its own.
	titleCaser := cases.Title(language.English)
	l := Layout{Width: Width, Height: Height, Palette: pal}

	kicker := func(text string) {
		if text != "" {
			l.Body = append(l.Body, TextBlock{Text: text, Size: 28, LineHeight: 1.3, MaxLines: 1, Color: pal.Accent})
		}
	}
	title := func(text string) {
		size := 68.0
		if len(text) > 60 {
			size = 54
		}
		l.Body = append(l.Body, TextBlock{Text: text, Size: size, LineHeight: 1.15, MaxLines: 3, Color: pal.Foreground, Bold: true})
	}
	description := func(text string) {
		if text != "" {
			l.Body = append(l.Body, TextBlock{Text: text, Size: 30, LineHeight: 1.35, MaxLines: 3, Color: pal.Muted})
		}
	}
	footer := func(parts ...string) {
		if line := joinNonEmpty(" · ", parts...); line != "" {
			l.Footer = append(l.Footer, TextBlock{Text: line, Size: 26, LineHeight: 1.3, MaxLines: 1, Color: pal.Muted})
		}
	}

	if d.Emoji != "" {
		l.Body = append(l.Body, TextBlock{Text: d.Emoji, Size: 72, LineHeight: 1.2, MaxLines: 1, Color: pal.Foreground})
	}

	f := d.Fields
	switch d.Kind {
	case KindBlog:
		kicker(titleCaser.String(f["category"]))
		title(d.titleOr("Untitled post"))
		description(d.Description)
		readTime := f["readTime"]
		if readTime != "" && !strings.Contains(strings.ToLower(readTime), "read") {
			readTime += " read"
		}
		footer(f["author"], f["date"], readTime)
	case KindProduct:
		kicker(f["brand"])
		title(d.titleOr("Product"))
		description(d.Description)
		price := joinNonEmpty(" ", f["price"], strings.ToUpper(f["currency"]))
		rating := ""
		if f["rating"] != "" {
			rating = "Rated " + f["rating"]
		}
		footer(price, rating)
	case KindEvent:
		kicker(joinNonEmpty(" · ", f["date"], f["time"]))
		title(d.titleOr("Event"))
		description(d.Description)
		footer(f["location"])
	case KindDocs:
		kicker(titleCaser.String(f["section"]))
		title(d.titleOr("Documentation"))
		description(d.Description)
		if v := f["version"]; v != "" {
			if !strings.HasPrefix(strings.ToLower(v), "v") {
				v = "v" + v
			}
			footer(v)
		}
	case KindProfile:
		handle := ""
		if u := f["username"]; u != "" {
			handle = "@" + strings.TrimPrefix(u, "@")
		}
		kicker(f["role"])
		title(d.titleOr(firstNonEmpty(handle, "Profile")))
		description(firstNonEmpty(f["tagline"], d.Description))
		footer(handle)
	case KindQuote:
		title("“" + d.titleOr("...") + "”")
		description(d.Description)
		footer(f["author"], f["role"])
	default:
		title(d.titleOr("Untitled"))
		description(d.Description)
	}
	return l
}

// Text returns every string drawn by the layout, used to request font
// subsets covering exactly these glyphs.
func (l Layout) Text() string {
	var b strings.Builder
	for _, blocks := range [][]TextBlock{l.Body, l.Footer} {
		for _, block := range blocks {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
