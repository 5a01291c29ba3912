package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"ogimage/internal/cache"
	"ogimage/internal/domain"
	"ogimage/internal/metrics"
	"ogimage/internal/middleware"
	"ogimage/internal/params"
	"ogimage/internal/quota"
	"ogimage/internal/render"
)

const maxBodyBytes = 64 << 10

// Response headers set on image responses.
const (
	HeaderRenderTime       = "X-Render-Time"
	HeaderFallbackToSVG    = "X-Fallback-To-SVG"
	HeaderCacheVersion     = "X-Cache-Version"
	HeaderCacheInvalidated = "X-Cache-Invalidated"
)

// OG renders a social preview image. Parameters come from the query string
// on GET and from a flat JSON object on POST.
func (a *App) OG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.RequestIDFromContext(ctx)

	raw, err := readParams(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	req, err := params.Parse(raw)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	caller, err := a.gate.Authenticate(ctx, quota.AuthInput{
		Authorization: r.Header.Get("Authorization"),
		Session:       middleware.SessionFromContext(ctx),
		ByIdentifier:  req.ByIdentifier(),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	desc, err := a.resolver.Resolve(ctx, req, caller.Credential)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	version := cache.ResolveVersion(req.CacheVersion, a.cacheVersion)
	etag := cache.ETag(params.Normalize(raw), version)
	decision := cache.Decide(r.Header, version)
	if decision.Invalidated {
		metrics.CacheInvalidated()
		a.logger.Info().
			Str("request_id", requestID).
			Str("version", decision.Version).
			Str("previous_version", decision.PreviousVersion).
			Str("etag", etag).
			Msg("cache version changed, cached representation is stale")
	}

	if cache.Matches(r.Header.Get("If-None-Match"), etag) {
		metrics.NotModified()
		setCacheHeaders(w.Header(), etag, decision)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	charge, err := a.gate.Charge(ctx, caller)
	recordQuotaDecision(charge, err)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	start := a.now()
	out, err := a.renderer.Render(ctx, desc, req.Format, !req.DisableFallback)
	took := a.now().Sub(start)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	metrics.ObserveRender(string(out.State), took, out.FontFellBack)

	h := w.Header()
	setCacheHeaders(h, etag, decision)
	h.Set("Content-Type", out.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(out.Body)))
	h.Set(HeaderRenderTime, fmt.Sprintf("%dms", took.Milliseconds()))
	if out.Fallback() {
		h.Set(HeaderFallbackToSVG, "true")
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(out.Body)
	}

	a.afterResponse(r, caller, charge, req, out, took)
}

// afterResponse schedules the side effects of a served image.
func (a *App) afterResponse(r *http.Request, caller quota.Caller, charge quota.Charge, req *params.RenderRequest, out render.Output, took time.Duration) {
	if !charge.Metered {
		return
	}
	event := domain.UsageEvent{
		RequestID:    middleware.RequestIDFromContext(r.Context()),
		AccountID:    caller.Credential.AccountID,
		CredentialID: caller.Credential.ID,
		Template:     templateLabel(req),
		Format:       string(req.Format),
		Fallback:     out.Fallback(),
		Country:      middleware.CountryFromContext(r.Context()),
		Latency:      took,
		QuotaCount:   charge.Count,
		Overage:      charge.Overage,
		CreatedAt:    a.now().UTC(),
	}

	a.schedule(r, "usage_event", func(ctx context.Context) error {
		a.logger.Info().
			Str("request_id", event.RequestID).
			Str("account_id", event.AccountID).
			Str("credential_id", event.CredentialID).
			Str("template", event.Template).
			Str("format", event.Format).
			Bool("fallback", event.Fallback).
			Str("country", event.Country).
			Int64("quota_count", event.QuotaCount).
			Int64("quota_limit", charge.Limit).
			Bool("overage", event.Overage).
			Bool("failed_open", charge.FailedOpen).
			Dur("latency", event.Latency).
			Msg("quota increment")
		if a.usage == nil {
			return nil
		}
		return a.usage.Insert(ctx, event)
	})

	if charge.Overage {
		a.schedule(r, "overage_record", func(ctx context.Context) error {
			return a.gate.RecordOverage(ctx, charge)
		})
	}

	if a.apiKeys != nil && caller.Credential.Kind == domain.CredentialAPIKey {
		keyID, at := caller.Credential.ID, event.CreatedAt
		a.schedule(r, "api_key_touch", func(ctx context.Context) error {
			return a.apiKeys.TouchLastUsed(ctx, keyID, at)
		})
	}
}

func setCacheHeaders(h http.Header, etag string, d cache.Decision) {
	h.Set("ETag", etag)
	h.Set("Cache-Control", cache.CacheControl)
	h.Set(cache.HeaderCacheStatus, d.Status())
	if d.Version != "" {
		h.Set(HeaderCacheVersion, d.Version)
	}
	if d.Invalidated {
		h.Set(HeaderCacheInvalidated, "true")
	}
}

func templateLabel(req *params.RenderRequest) string {
	if req.ByIdentifier() {
		return "id:" + req.TemplateID
	}
	return req.Template
}

func recordQuotaDecision(ch quota.Charge, err error) {
	switch {
	case err != nil:
		metrics.QuotaDecision(metrics.QuotaRejected)
	case !ch.Metered:
		metrics.QuotaDecision(metrics.QuotaUnmetered)
	case ch.FailedOpen:
		metrics.QuotaDecision(metrics.QuotaFailedOpen)
	case ch.Overage:
		metrics.QuotaDecision(metrics.QuotaOverage)
	default:
		metrics.QuotaDecision(metrics.QuotaAllowed)
	}
}

// readParams collects raw request parameters.
func readParams(r *http.Request) (map[string]string, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return params.FromQuery(r.URL.Query()), nil
	case http.MethodPost:
		return decodeJSONParams(r)
	default:
		return nil, &domain.Error{Kind: domain.ErrMethodNotAllowed, Message: "method not allowed"}
	}
}

func decodeJSONParams(r *http.Request) (map[string]string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, &domain.Error{Kind: domain.ErrUnsupportedMedia, Message: "request body must be application/json"}
	}

	var body map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes+1))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]string{}, nil
		}
		return nil, domain.Validation("invalid JSON body")
	}

	raw := make(map[string]string, len(body))
	for key, value := range body {
		switch v := value.(type) {
		case nil:
		case string:
			raw[key] = v
		case bool:
			raw[key] = strconv.FormatBool(v)
		case json.Number:
			raw[key] = v.String()
		default:
			return nil, domain.Validation("parameter %q must be a string", key)
		}
	}
	return raw, nil
}
