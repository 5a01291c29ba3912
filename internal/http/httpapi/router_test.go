package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogimage/internal/adapter/memory"
	"ogimage/internal/cache"
	"ogimage/internal/domain"
	"ogimage/internal/http/handlers"
	"ogimage/internal/infra/credentials"
	"ogimage/internal/middleware"
	"ogimage/internal/quota"
	"ogimage/internal/render"
	"ogimage/internal/tasks"
	"ogimage/internal/templates"
)

const (
	freeSecret = "og_free_test_secret"
	paidSecret = "og_paid_test_secret"
	sessionKey = "session-secret"
)

var testNow = time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

// inlineTasks runs background work synchronously so effects are observable
// as soon as ServeHTTP returns.
type inlineTasks struct{ ran []string }

func (s *inlineTasks) Submit(t tasks.Task) error {
	s.ran = append(s.ran, t.Name)
	_ = t.Run(context.Background())
	return nil
}

type countingRaster struct {
	calls atomic.Int32
	err   error
}

func (c *countingRaster) Rasterize(ctx context.Context, svg []byte, width, height int) ([]byte, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

type harness struct {
	handler   http.Handler
	apiKeys   *memory.APIKeys
	usage     *memory.Usage
	templates *memory.Templates
	overage   *quota.MemoryCounter
	quota     *quota.MemoryCounter
	raster    *countingRaster
	tasks     *inlineTasks
	signer    *middleware.SessionSigner
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	requireAuth bool
	rasterInit  render.InitFunc
}

func withRequireAuth() harnessOption {
	return func(c *harnessConfig) { c.requireAuth = true }
}

func withBrokenRaster() harnessOption {
	return func(c *harnessConfig) {
		c.rasterInit = func(context.Context) (render.Rasterizer, error) {
			return nil, errors.New("wasm compile failed")
		}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		apiKeys: memory.NewAPIKeys(
			domain.APIKey{ID: "key-free", AccountID: "acct-free", KeyHash: credentials.HashAPIKey(freeSecret), Active: true},
			domain.APIKey{ID: "key-paid", AccountID: "acct-paid", KeyHash: credentials.HashAPIKey(paidSecret), Active: true},
		),
		usage: memory.NewUsage(),
		templates: memory.NewTemplates(domain.StoredTemplate{
			ID:             "tpl-owned-by-a",
			OwnerAccountID: "acct-a",
			Name:           "launch",
			Base:           "blog",
			Defaults:       map[string]string{"title": "Launch week", "author": "Ada"},
		}),
		overage: quota.NewMemoryCounter(),
		quota:   quota.NewMemoryCounter(),
		raster:  &countingRaster{},
		tasks:   &inlineTasks{},
		signer:  middleware.NewSessionSigner(sessionKey),
	}

	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.rasterInit == nil {
		cfg.rasterInit = func(context.Context) (render.Rasterizer, error) { return h.raster, nil }
	}

	accounts := memory.NewAccounts(
		domain.Account{ID: "acct-free", Plan: domain.PlanFree},
		domain.Account{ID: "acct-paid", Plan: domain.PlanPro},
	)
	gate := quota.NewGate(credentials.NewVerifier(h.apiKeys), accounts, h.quota, h.overage, cfg.requireAuth,
		quota.WithClock(func() time.Time { return testNow }))

	fonts, err := render.NewFontLoader()
	require.NoError(t, err)
	pipeline := render.NewPipeline(fonts, render.NewEngine(cfg.rasterInit), zerolog.Nop())

	app := handlers.NewApp(handlers.Deps{
		Gate:      gate,
		Resolver:  templates.NewResolver(h.templates),
		Renderer:  pipeline,
		Tasks:     h.tasks,
		Templates: h.templates,
		Usage:     h.usage,
		APIKeys:   h.apiKeys,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return testNow },
	})
	h.handler = NewRouter(app, Options{
		Logger:        zerolog.Nop(),
		Sessions:      h.signer,
		SessionCookie: "og_session",
	})
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) sessionCookie(t *testing.T, accountID string) *http.Cookie {
	t.Helper()
	token, err := h.signer.Mint(accountID, time.Hour)
	require.NoError(t, err)
	return &http.Cookie{Name: "og_session", Value: token}
}

func get(target, apiKey string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestFreeTierFirstRequestRendersPNG(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, get("/og?template=blog&title=Hello&author=Jane&theme=dark", freeSecret))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, render.ContentTypePNG, rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, immutable, max-age=31536000", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))
	assert.True(t, strings.HasSuffix(rec.Header().Get(handlers.HeaderRenderTime), "ms"))
	assert.Equal(t, cache.StatusMiss, rec.Header().Get(cache.HeaderCacheStatus))
	assert.Empty(t, rec.Header().Get(handlers.HeaderFallbackToSVG))

	events := h.usage.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "acct-free", events[0].AccountID)
	assert.Equal(t, "blog", events[0].Template)
	assert.EqualValues(t, 1, events[0].QuotaCount)

	lastUsed, ok := h.apiKeys.LastUsed("key-free")
	assert.True(t, ok)
	assert.Equal(t, testNow, lastUsed)
}

func TestFreeTierSecondRequestIsRejected(t *testing.T) {
	h := newHarness(t)
	target := "/og?template=blog&title=Hello&author=Jane&theme=dark"
	require.Equal(t, http.StatusOK, h.do(t, get(target, freeSecret)).Code)

	rec := h.do(t, get(target, freeSecret))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("ETag"))

	body := decodeError(t, rec)
	assert.Contains(t, body, "error")
	assert.Contains(t, body, "retry_after")
	assert.Equal(t, rec.Header().Get(middleware.HeaderRequestID), body["request_id"])
	assert.EqualValues(t, 1, h.raster.calls.Load(), "rejected request must not render")
}

func TestPaidTierOverLimitRecordsOverage(t *testing.T) {
	h := newHarness(t)
	key := quota.QuotaKey("key-paid", testNow)
	for i := int64(0); i < domain.ProMonthlyLimit; i++ {
		_, err := h.quota.Increment(context.Background(), key, time.Hour)
		require.NoError(t, err)
	}

	rec := h.do(t, get("/og?title=Busy", paidSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	n, err := h.overage.Get(context.Background(), quota.OverageKey("acct-paid", "2024-06-10"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Contains(t, h.tasks.ran, "overage_record")
	require.Len(t, h.usage.Events(), 1)
	assert.True(t, h.usage.Events()[0].Overage)
}

func TestBrokenRasterFallsBackToSVG(t *testing.T) {
	h := newHarness(t, withBrokenRaster())
	rec := h.do(t, get("/og?title=Fallback", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, render.ContentTypeSVG, rec.Header().Get("Content-Type"))
	assert.Equal(t, "true", rec.Header().Get(handlers.HeaderFallbackToSVG))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<svg"))
}

func TestBrokenRasterWithFallbackDisabledFails(t *testing.T) {
	h := newHarness(t, withBrokenRaster())
	rec := h.do(t, get("/og?title=Strict&fallback=false", ""))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "failed to render image", body["error"])
}

func TestExplicitSVGNeverRasterizes(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, get("/og?title=Vector&format=svg", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, render.ContentTypeSVG, rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get(handlers.HeaderFallbackToSVG))
	assert.EqualValues(t, 0, h.raster.calls.Load())
}

func TestSessionPreviewOfForeignTemplateIsForbidden(t *testing.T) {
	h := newHarness(t, withRequireAuth())
	req := get("/og?templateId=tpl-owned-by-a", "")
	req.AddCookie(h.sessionCookie(t, "acct-b"))

	rec := h.do(t, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeError(t, rec), "request_id")
}

func TestSessionPreviewOfOwnTemplateIsNotMetered(t *testing.T) {
	h := newHarness(t, withRequireAuth())
	req := get("/og?templateId=tpl-owned-by-a&title=Override", "")
	req.AddCookie(h.sessionCookie(t, "acct-a"))

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, h.usage.Events())
}

// API keys are not owner-checked when naming a stored template; sessions are.
func TestAPIKeyMayRenderForeignTemplate(t *testing.T) {
	h := newHarness(t, withRequireAuth())
	rec := h.do(t, get("/og?templateId=tpl-owned-by-a", paidSecret))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUnknownStoredTemplateIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, get("/og?templateId=tpl-does-not-exist", paidSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	h := newHarness(t, withRequireAuth())
	rec := h.do(t, get("/og?title=Hi", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOverlongTitleIsRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, get("/og?title="+strings.Repeat("a", 201)+"&theme=bogus", paidSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 0, h.raster.calls.Load())
}

func TestETagIsOrderIndependentAndVersioned(t *testing.T) {
	h := newHarness(t)
	a := h.do(t, get("/og?title=Same&theme=dark&format=svg", ""))
	b := h.do(t, get("/og?format=svg&theme=dark&title=Same", ""))
	c := h.do(t, get("/og?format=svg&theme=dark&title=Same&v=2", ""))

	require.Equal(t, http.StatusOK, a.Code)
	assert.Equal(t, a.Header().Get("ETag"), b.Header().Get("ETag"))
	assert.NotEqual(t, a.Header().Get("ETag"), c.Header().Get("ETag"))
	assert.Equal(t, "2", c.Header().Get(handlers.HeaderCacheVersion))
}

func TestIfNoneMatchSkipsChargeAndRender(t *testing.T) {
	h := newHarness(t)
	target := "/og?title=Cached"
	first := h.do(t, get(target, freeSecret))
	require.Equal(t, http.StatusOK, first.Code)

	req := get(target, freeSecret)
	req.Header.Set("If-None-Match", first.Header().Get("ETag"))
	rec := h.do(t, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, first.Header().Get("ETag"), rec.Header().Get("ETag"))
	assert.EqualValues(t, 1, h.raster.calls.Load())
	assert.Len(t, h.usage.Events(), 1)
}

func TestCacheInvalidationHeaders(t *testing.T) {
	h := newHarness(t)
	req := get("/og?title=Fresh&v=3&format=svg", "")
	req.Header.Set(cache.HeaderCachedVersion, "2")
	req.Header.Set(cache.HeaderCFCacheStatus, "HIT")

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(handlers.HeaderCacheInvalidated))
	assert.Equal(t, cache.StatusStale, rec.Header().Get(cache.HeaderCacheStatus))
}

func TestPostJSON(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/og", strings.NewReader(`{"title":"From JSON","format":"svg","fallback":true}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, render.ContentTypeSVG, rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodPost, "/og", strings.NewReader("title=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnsupportedMediaType, h.do(t, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/og", strings.NewReader(`{"title":{"nested":true}}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)
}

func TestOtherMethodsAreNotAllowed(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, httptest.NewRequest(http.MethodDelete, "/og", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeError(t, rec), "error")
}

func TestTemplatesEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/templates", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/templates",
		strings.NewReader(`{"name":"docs","base":"docs","defaults":{"title":"Guide","version":"v2"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(h.sessionCookie(t, "acct-b"))
	rec = h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created["id"])

	req = httptest.NewRequest(http.MethodPost, "/v1/templates",
		strings.NewReader(`{"id":"tpl-owned-by-a","name":"steal","base":"blog","defaults":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(h.sessionCookie(t, "acct-b"))
	assert.Equal(t, http.StatusForbidden, h.do(t, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/templates", nil)
	req.AddCookie(h.sessionCookie(t, "acct-b"))
	rec = h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Templates []map[string]any `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Templates, 1)
	assert.Equal(t, "docs", listed.Templates[0]["base"])
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, h.do(t, httptest.NewRequest(http.MethodGet, "/v1/readyz", nil)).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil)).Code)
}

func TestOpenAPIDocument(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Paths map[string]map[string]struct {
			Description string `json:"description"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/og")
	assert.Contains(t, doc.Paths, "/v1/templates")

	og := doc.Paths["/og"]["get"].Description
	assert.Contains(t, og, handlers.HeaderFallbackToSVG, "fallback responses are documented")
	assert.Contains(t, og, cache.CacheControl)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/docs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/openapi.json")
}

func TestOpenAPIDocumentRevalidates(t *testing.T) {
	h := newHarness(t)
	first := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil)
	req.Header.Set("If-None-Match", "W/"+etag)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
