// Package params validates caller-supplied image parameters and derives the
// canonical, order-independent parameter set used for fingerprinting.
package params

import (
	"fmt"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"ogimage/internal/domain"
	"ogimage/internal/netaddr"
)

// MaxFieldBytes bounds every free-text parameter, measured in UTF-8 bytes.
const MaxFieldBytes = 200

const maxFontURLLength = 2048

const (
	DefaultTemplate = "default"
	DefaultTheme    = "light"
	DefaultFont     = "sans"
	DefaultFormat   = FormatPNG
)

// Format is the requested output encoding.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
)

// Parameter names understood by the image endpoint.
const (
	KeyTemplate     = "template"
	KeyTemplateID   = "templateId"
	KeyTheme        = "theme"
	KeyFont         = "font"
	KeyFontURL      = "fontUrl"
	KeyFormat       = "format"
	KeyCacheVersion = "v"
	KeyFallback     = "fallback"
	KeyTitle        = "title"
	KeyDescription  = "description"
	KeyEmoji        = "emoji"
)

var (
	Templates      = []string{"default", "blog", "product", "event", "docs", "profile", "quote"}
	Themes         = []string{"light", "dark", "midnight", "sunset", "forest"}
	Fonts          = []string{"sans", "mono", "inter", "roboto", "playfair", "noto-sans"}
	Formats        = []string{string(FormatPNG), string(FormatSVG)}
	FontExtensions = []string{".ttf", ".otf", ".woff", ".woff2"}

	// TemplateFields are the template-specific free-text fields. Each built-in
	// template accepts a subset of them.
	TemplateFields = []string{
		"author", "date", "category", "readTime",
		"price", "currency", "brand", "rating",
		"location", "time",
		"version", "section",
		"username", "role", "tagline",
	}
)

var (
	templateIDPattern   = regexp.MustCompile(`^[a-z0-9-]{10,64}$`)
	cacheVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)
)

// RenderRequest is the validated form of one image request.
type RenderRequest struct {
	Template        string
	TemplateID      string
	Title           string
	Description     string
	Emoji           string
	Fields          map[string]string
	Theme           string
	Font            string
	FontURL         string
	Format          Format
	CacheVersion    string
	DisableFallback bool

	explicit map[string]bool
}

// Explicit reports whether the caller supplied a non-empty value for key.
// Defaults filled in by Parse do not count.
func (r *RenderRequest) Explicit(key string) bool {
	return r != nil && r.explicit[key]
}

// ByIdentifier reports whether the request previews a stored template.
func (r *RenderRequest) ByIdentifier() bool {
	return r != nil && r.TemplateID != ""
}

// NormalizedParams maps parameter names to lower-cased, trimmed values with
// defaults applied. It is lossy on purpose and only feeds fingerprinting.
type NormalizedParams map[string]string

// Keys returns the parameter names in sorted order.
func (p NormalizedParams) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromQuery flattens query values, keeping the first value of each key.
func FromQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func textKeys() []string {
	keys := make([]string, 0, 3+len(TemplateFields))
	keys = append(keys, KeyTitle, KeyDescription, KeyEmoji)
	return append(keys, TemplateFields...)
}

func knownKeys() []string {
	return append(textKeys(), KeyTemplate, KeyTemplateID, KeyTheme, KeyFont, KeyFontURL, KeyFormat, KeyFallback)
}

// Parse validates raw and builds the RenderRequest. Free-text limits are
// checked before anything else, so an oversized field is reported even when
// other parameters are also invalid.
func Parse(raw map[string]string) (*RenderRequest, error) {
	for _, key := range textKeys() {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if !utf8.ValidString(v) {
			return nil, domain.Validation("%s must be valid UTF-8", key)
		}
		if len(v) > MaxFieldBytes {
			return nil, domain.Validation("%s exceeds %d bytes", key, MaxFieldBytes)
		}
	}

	req := &RenderRequest{
		Title:       cleanText(raw[KeyTitle]),
		Description: cleanText(raw[KeyDescription]),
		Emoji:       cleanText(raw[KeyEmoji]),
		Fields:      make(map[string]string),
		explicit:    make(map[string]bool),
	}
	for _, key := range knownKeys() {
		if strings.TrimSpace(raw[key]) != "" {
			req.explicit[key] = true
		}
	}
	for _, key := range TemplateFields {
		if v := cleanText(raw[key]); v != "" {
			req.Fields[key] = v
		}
	}

	var err error
	if req.Template, err = enumValue(raw, KeyTemplate, Templates, DefaultTemplate); err != nil {
		return nil, err
	}
	if req.Theme, err = enumValue(raw, KeyTheme, Themes, DefaultTheme); err != nil {
		return nil, err
	}
	if req.Font, err = enumValue(raw, KeyFont, Fonts, DefaultFont); err != nil {
		return nil, err
	}
	format, err := enumValue(raw, KeyFormat, Formats, string(DefaultFormat))
	if err != nil {
		return nil, err
	}
	req.Format = Format(format)

	if id := strings.TrimSpace(raw[KeyTemplateID]); id != "" {
		if len(id) > 64 || !templateIDPattern.MatchString(id) {
			return nil, domain.Validation("templateId must match %s", templateIDPattern.String())
		}
		req.TemplateID = id
	}

	if rawURL := strings.TrimSpace(raw[KeyFontURL]); rawURL != "" {
		fontURL, err := ValidateFontURL(rawURL)
		if err != nil {
			return nil, err
		}
		req.FontURL = fontURL
	}

	if v := strings.TrimSpace(raw[KeyCacheVersion]); v != "" {
		if !cacheVersionPattern.MatchString(v) {
			return nil, domain.Validation("v must match %s", cacheVersionPattern.String())
		}
		req.CacheVersion = v
	}

	if v := strings.TrimSpace(raw[KeyFallback]); v != "" {
		switch strings.ToLower(v) {
		case "true":
		case "false":
			req.DisableFallback = true
		default:
			return nil, domain.Validation("invalid fallback %q: must be one of true, false", v)
		}
	}

	return req, nil
}

// ValidateFontURL checks that a custom font URL is an absolute HTTPS URL whose
// path ends in a recognized font-file extension.
func ValidateFontURL(raw string) (string, error) {
	if len(raw) > maxFontURLLength {
		return "", domain.Validation("fontUrl exceeds %d bytes", maxFontURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", domain.Validation("fontUrl must be an absolute URL")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", domain.Validation("fontUrl must use https")
	}
	if !publicHost(u.Hostname()) {
		return "", domain.Validation("fontUrl must point to a public host")
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !contains(FontExtensions, ext) {
		return "", domain.Validation("fontUrl must end in one of %s", strings.Join(FontExtensions, ", "))
	}
	return u.String(), nil
}

// publicHost rejects localhost names and IP literals outside public unicast
// space. Names that resolve to internal addresses are stopped at dial time
// by the font fetcher.
func publicHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netaddr.Public(addr)
	}
	return true
}

// Normalize derives the fingerprint input from raw. Only known parameters
// take part; the cache version is folded in separately by the ETag engine.
func Normalize(raw map[string]string) NormalizedParams {
	out := make(NormalizedParams)
	for _, key := range knownKeys() {
		v := strings.ToLower(strings.TrimSpace(raw[key]))
		if v == "" {
			continue
		}
		out[key] = v
	}
	setDefault(out, KeyTemplate, DefaultTemplate)
	setDefault(out, KeyTheme, DefaultTheme)
	setDefault(out, KeyFont, DefaultFont)
	setDefault(out, KeyFormat, string(DefaultFormat))
	return out
}

func setDefault(p NormalizedParams, key, value string) {
	if _, ok := p[key]; !ok {
		p[key] = value
	}
}

func enumValue(raw map[string]string, key string, allowed []string, fallback string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw[key]))
	if v == "" {
		return fallback, nil
	}
	if !contains(allowed, v) {
		return "", domain.Validation("invalid %s %q: must be one of %s", key, raw[key], strings.Join(allowed, ", "))
	}
	return v, nil
}

func cleanText(v string) string {
	return norm.NFC.String(strings.TrimSpace(v))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Value returns the parsed value for a parameter name, or "" when the
// request carries none. Template fields are looked up in Fields.
func (r *RenderRequest) Value(key string) string {
	if r == nil {
		return ""
	}
	switch key {
	case KeyTemplate:
		return r.Template
	case KeyTemplateID:
		return r.TemplateID
	case KeyTitle:
		return r.Title
	case KeyDescription:
		return r.Description
	case KeyEmoji:
		return r.Emoji
	case KeyTheme:
		return r.Theme
	case KeyFont:
		return r.Font
	case KeyFontURL:
		return r.FontURL
	case KeyFormat:
		return string(r.Format)
	case KeyCacheVersion:
		return r.CacheVersion
	case KeyFallback:
		if r.DisableFallback {
			return "false"
		}
		return ""
	default:
		return r.Fields[key]
	}
}

// Describe renders a compact summary for logs.
func (r *RenderRequest) Describe() string {
	if r == nil {
		return ""
	}
	if r.TemplateID != "" {
		return fmt.Sprintf("templateId=%s format=%s", r.TemplateID, r.Format)
	}
	return fmt.Sprintf("template=%s format=%s", r.Template, r.Format)
}
