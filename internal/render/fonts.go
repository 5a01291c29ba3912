package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"

	"ogimage/internal/cache"
)

// MaxFontBytes caps every downloaded font file.
const MaxFontBytes = 5 << 20

// DefaultFont is the bundled family every failure falls back to.
const DefaultFont = "sans"

const fontCacheTTL = 24 * time.Hour

// DefaultMemoryCacheBytes bounds the in-memory copy of fetched font files.
const DefaultMemoryCacheBytes = 64 << 20

// DefaultEmojiFamily is fetched for runes the selected faces cannot draw.
const DefaultEmojiFamily = "Noto Emoji"

var googleFamilies = map[string]string{
	"inter":     "Inter",
	"roboto":    "Roboto",
	"playfair":  "Playfair Display",
	"noto-sans": "Noto Sans",
}

// FontSet is the pair of faces a layout is drawn with. Fallback and then
// Emoji are consulted for runes the primary faces lack.
type FontSet struct {
	Name     string
	Regular  *sfnt.Font
	Bold     *sfnt.Font
	Fallback *sfnt.Font
	Emoji    *sfnt.Font
	FellBack bool
}

func (s FontSet) face(bold bool) *sfnt.Font {
	if bold && s.Bold != nil {
		return s.Bold
	}
	return s.Regular
}

// BlobStore is the on-disk cache used for downloaded fonts.
type BlobStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// FontLoader resolves a font name or custom font URL into parsed faces.
// Fetched files are cached in memory and, when a BlobStore is configured,
// on disk.
type FontLoader struct {
	client    *http.Client
	baseURL   string
	timeout   time.Duration
	retries   int
	baseDelay time.Duration
	memBytes  int64
	memory    *cache.TTLCache[string, []byte]
	disk      BlobStore
	logger    zerolog.Logger
	bundled   map[string]FontSet
	emoji     string
}

// FontOption configures a FontLoader.
type FontOption func(*FontLoader)

func WithHTTPClient(client *http.Client) FontOption {
	return func(l *FontLoader) { l.client = client }
}

func WithGoogleFontsBaseURL(base string) FontOption {
	return func(l *FontLoader) { l.baseURL = strings.TrimRight(base, "/") }
}

// WithFetchPolicy bounds every fetch to timeout per attempt and retries
// additional attempts.
func WithFetchPolicy(timeout time.Duration, retries int) FontOption {
	return func(l *FontLoader) {
		l.timeout = timeout
		l.retries = retries
	}
}

func WithRetryDelay(d time.Duration) FontOption {
	return func(l *FontLoader) { l.baseDelay = d }
}

// WithMemoryCacheBytes caps the bytes of font data held in memory. Files
// evicted from memory are still served from the disk cache.
func WithMemoryCacheBytes(n int64) FontOption {
	return func(l *FontLoader) {
		if n > 0 {
			l.memBytes = n
		}
	}
}

// WithEmojiFamily names the Google Fonts family used for runes missing from
// the selected faces. An empty name disables the lookup.
func WithEmojiFamily(family string) FontOption {
	return func(l *FontLoader) { l.emoji = strings.TrimSpace(family) }
}

func WithDiskCache(store BlobStore) FontOption {
	return func(l *FontLoader) { l.disk = store }
}

func WithFontLogger(logger zerolog.Logger) FontOption {
	return func(l *FontLoader) { l.logger = logger }
}

// NewFontLoader parses the bundled faces and applies opts.
func NewFontLoader(opts ...FontOption) (*FontLoader, error) {
	l := &FontLoader{
		client:    newFontClient(),
		baseURL:   "https://fonts.googleapis.com",
		timeout:   8 * time.Second,
		retries:   2,
		baseDelay: 200 * time.Millisecond,
		memBytes:  DefaultMemoryCacheBytes,
		logger:    zerolog.Nop(),
		bundled:   make(map[string]FontSet),
		emoji:     DefaultEmojiFamily,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.memory = cache.NewTTLCache[string, []byte](256).
		LimitWeight(l.memBytes, func(b []byte) int64 { return int64(len(b)) })
	if l.retries < 0 {
		l.retries = 0
	}

	bundles := map[string][2][]byte{
		"sans": {goregular.TTF, gobold.TTF},
		"mono": {gomono.TTF, gomonobold.TTF},
	}
	for name, files := range bundles {
		regular, err := sfnt.Parse(files[0])
		if err != nil {
			return nil, fmt.Errorf("render: parse bundled %s regular: %w", name, err)
		}
		bold, err := sfnt.Parse(files[1])
		if err != nil {
			return nil, fmt.Errorf("render: parse bundled %s bold: %w", name, err)
		}
		l.bundled[name] = FontSet{Name: name, Regular: regular, Bold: bold}
	}
	def := l.bundled[DefaultFont]
	for name, set := range l.bundled {
		set.Fallback = def.Regular
		l.bundled[name] = set
	}
	return l, nil
}

// Default returns the bundled default font set.
func (l *FontLoader) Default() FontSet {
	return l.bundled[DefaultFont]
}

// Load resolves the faces for a layout. A custom URL wins over the named
// font. Any failure degrades to the default bundled font, so Load always
// returns a usable set. Runes none of the faces cover pull in the emoji face.
func (l *FontLoader) Load(ctx context.Context, name, fontURL, text string) FontSet {
	return l.withEmoji(ctx, l.loadPrimary(ctx, name, fontURL, text), text)
}

func (l *FontLoader) loadPrimary(ctx context.Context, name, fontURL, text string) FontSet {
	if fontURL != "" {
		set, err := l.loadCustom(ctx, fontURL)
		if err != nil {
			l.logger.Warn().Err(err).Str("font_url", fontURL).Msg("custom font unavailable, using default")
			return l.fellBack()
		}
		return set
	}
	if set, ok := l.bundled[name]; ok {
		return set
	}
	family, ok := googleFamilies[name]
	if !ok {
		return l.fellBack()
	}
	set, err := l.loadGoogle(ctx, name, family, text)
	if err != nil {
		l.logger.Warn().Err(err).Str("font", name).Msg("font fetch failed, using default")
		return l.fellBack()
	}
	return set
}

func (l *FontLoader) fellBack() FontSet {
	set := l.Default()
	set.FellBack = true
	return set
}

func (l *FontLoader) withEmoji(ctx context.Context, set FontSet, text string) FontSet {
	if l.emoji == "" {
		return set
	}
	missing := uncovered(text, set.Regular, set.Bold, set.Fallback)
	if missing == "" {
		return set
	}
	face, err := l.loadGoogle(ctx, "emoji", l.emoji, missing)
	if err != nil {
		l.logger.Warn().Err(err).Str("family", l.emoji).Msg("emoji font unavailable")
		return set
	}
	set.Emoji = face.Regular
	return set
}

// uncovered returns the distinct visible runes of text that no face has a
// glyph for.
func uncovered(text string, faces ...*sfnt.Font) string {
	var (
		buf  sfnt.Buffer
		seen = make(map[rune]bool)
		out  []rune
	)
	for _, r := range text {
		if seen[r] || unicode.IsSpace(r) || invisible(r) {
			continue
		}
		seen[r] = true
		covered := false
		for _, f := range faces {
			if f == nil {
				continue
			}
			if idx, err := f.GlyphIndex(&buf, r); err == nil && idx != 0 {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, r)
		}
	}
	return string(out)
}

// parseFont accepts TrueType, OpenType, WOFF and WOFF2 data.
func parseFont(data []byte) (*sfnt.Font, error) {
	raw, err := decodeFont(data)
	if err != nil {
		return nil, err
	}
	return sfnt.Parse(raw)
}

func (l *FontLoader) loadCustom(ctx context.Context, fontURL string) (FontSet, error) {
	data, err := l.cachedFetch(ctx, fontURL, acceptFontContentType)
	if err != nil {
		return FontSet{}, err
	}
	f, err := parseFont(data)
	if err != nil {
		return FontSet{}, fmt.Errorf("parse custom font: %w", err)
	}
	return FontSet{Name: "custom", Regular: f, Bold: f, Fallback: l.Default().Regular}, nil
}

func (l *FontLoader) loadGoogle(ctx context.Context, name, family, text string) (FontSet, error) {
	cssURL := l.cssURL(family, text)
	css, err := l.cachedFetch(ctx, cssURL, acceptCSSContentType)
	if err != nil {
		return FontSet{}, fmt.Errorf("fetch css: %w", err)
	}
	faces := parseFontFaces(string(css))
	regularURL, ok := faces[400]
	if !ok {
		return FontSet{}, errors.New("css has no regular face")
	}
	set := FontSet{Name: name, Fallback: l.Default().Regular}
	if set.Regular, err = l.fetchFace(ctx, regularURL); err != nil {
		return FontSet{}, err
	}
	set.Bold = set.Regular
	if boldURL, ok := faces[700]; ok {
		if bold, err := l.fetchFace(ctx, boldURL); err == nil {
			set.Bold = bold
		}
	}
	return set, nil
}

func (l *FontLoader) fetchFace(ctx context.Context, faceURL string) (*sfnt.Font, error) {
	data, err := l.cachedFetch(ctx, faceURL, acceptFontContentType)
	if err != nil {
		return nil, fmt.Errorf("fetch face: %w", err)
	}
	f, err := parseFont(data)
	if err != nil {
		return nil, fmt.Errorf("parse face: %w", err)
	}
	return f, nil
}

func (l *FontLoader) cssURL(family, text string) string {
	q := url.Values{}
	q.Set("family", family+":wght@400;700")
	if text != "" {
		q.Set("text", subsetText(text))
	}
	return l.baseURL + "/css2?" + q.Encode()
}

// subsetText returns the distinct runes of text in a stable order, plus the
// characters used for truncation.
func subsetText(text string) string {
	seen := map[rune]bool{'.': true, '…': true, ' ': true}
	for _, r := range text {
		seen[r] = true
	}
	runes := make([]rune, 0, len(seen))
	for r := range seen {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	return string(runes)
}

var (
	fontFaceBlock = regexp.MustCompile(`(?s)@font-face\s*\{(.*?)\}`)
	fontWeight    = regexp.MustCompile(`font-weight:\s*(\d+)`)
	fontSrc       = regexp.MustCompile(`src:\s*url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)
)

// parseFontFaces maps font weights to face URLs in a Google Fonts CSS2
// response.
func parseFontFaces(css string) map[int]string {
	out := make(map[int]string)
	for _, block := range fontFaceBlock.FindAllStringSubmatch(css, -1) {
		src := fontSrc.FindStringSubmatch(block[1])
		if src == nil {
			continue
		}
		weight := 400
		if m := fontWeight.FindStringSubmatch(block[1]); m != nil {
			if w, err := strconv.Atoi(m[1]); err == nil {
				weight = w
			}
		}
		if _, exists := out[weight]; !exists {
			out[weight] = src[1]
		}
	}
	return out
}

func (l *FontLoader) cachedFetch(ctx context.Context, rawURL string, accept func(string) bool) ([]byte, error) {
	if data, ok := l.memory.Get(rawURL); ok {
		return data, nil
	}
	key := diskKey(rawURL)
	if l.disk != nil {
		if data, err := l.disk.Read(ctx, key); err == nil {
			l.memory.Set(rawURL, data, fontCacheTTL)
			return data, nil
		}
	}
	data, err := l.fetch(ctx, rawURL, accept)
	if err != nil {
		return nil, err
	}
	l.memory.Set(rawURL, data, fontCacheTTL)
	if l.disk != nil {
		if _, err := l.disk.Write(ctx, key, data); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("font disk cache write failed")
		}
	}
	return data, nil
}

func diskKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	ext := ".bin"
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" && len(e) <= 6 {
			ext = e
		}
	}
	return "fonts/" + hex.EncodeToString(sum[:16]) + ext
}

type fetchError struct {
	status    int
	retryable bool
	err       error
}

func (e *fetchError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("fetch: HTTP %d", e.status)
	}
	return "fetch: " + e.err.Error()
}

func (e *fetchError) Unwrap() error { return e.err }

// fetch downloads rawURL with a per-attempt timeout, retrying transport errors
// and retryable statuses with linear backoff.
func (l *FontLoader) fetch(ctx context.Context, rawURL string, accept func(string) bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * l.baseDelay):
			}
		}
		data, err := l.fetchOnce(ctx, rawURL, accept)
		if err == nil {
			return data, nil
		}
		lastErr = err
		var fe *fetchError
		if errors.As(err, &fe) && !fe.retryable {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (l *FontLoader) fetchOnce(ctx context.Context, rawURL string, accept func(string) bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &fetchError{err: err}
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &fetchError{err: err, retryable: !errors.Is(err, ErrBlockedAddress)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchError{status: resp.StatusCode, retryable: retryableStatus(resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !accept(ct) {
		return nil, &fetchError{err: fmt.Errorf("unexpected content type %q", ct)}
	}
	if resp.ContentLength > MaxFontBytes {
		return nil, &fetchError{err: fmt.Errorf("body of %d bytes exceeds limit", resp.ContentLength)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFontBytes+1))
	if err != nil {
		return nil, &fetchError{err: err, retryable: true}
	}
	if len(data) > MaxFontBytes {
		return nil, &fetchError{err: errors.New("body exceeds limit")}
	}
	return data, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func acceptFontContentType(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return true
	case strings.HasPrefix(mt, "font/"),
		strings.HasPrefix(mt, "application/font"),
		strings.HasPrefix(mt, "application/x-font"),
		mt == "application/vnd.ms-opentype",
		mt == "application/octet-stream",
		mt == "binary/octet-stream":
		return true
	}
	return false
}

func acceptCSSContentType(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "" || mt == "text/css"
}
