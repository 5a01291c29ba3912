package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"ogimage/internal/domain"
	"ogimage/internal/middleware"
	"ogimage/internal/params"
	"ogimage/internal/quota"
	"ogimage/internal/render"
	"ogimage/internal/tasks"
	"ogimage/internal/templates"
)

// Authorizer authenticates and meters image requests.
type Authorizer interface {
	Authenticate(ctx context.Context, in quota.AuthInput) (quota.Caller, error)
	Charge(ctx context.Context, caller quota.Caller) (quota.Charge, error)
	RecordOverage(ctx context.Context, ch quota.Charge) error
}

// TemplateResolver turns a validated request into render content.
type TemplateResolver interface {
	Resolve(ctx context.Context, req *params.RenderRequest, caller domain.Credential) (templates.Descriptor, error)
}

// Renderer draws a descriptor.
type Renderer interface {
	Render(ctx context.Context, d templates.Descriptor, format params.Format, allowFallback bool) (render.Output, error)
}

// Scheduler accepts fire-and-forget work.
type Scheduler interface {
	Submit(t tasks.Task) error
}

// ReadinessCheck reports whether a dependency can serve traffic. A failing
// Optional check degrades the service without taking it out of rotation.
type ReadinessCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Gate         Authorizer
	Resolver     TemplateResolver
	Renderer     Renderer
	Tasks        Scheduler
	Templates    domain.TemplateRepository
	Usage        domain.UsageRepository
	APIKeys      domain.APIKeyRepository
	CacheVersion string
	Logger       zerolog.Logger
	Ready        []ReadinessCheck
	Now          func() time.Time
}

type App struct {
	gate         Authorizer
	resolver     TemplateResolver
	renderer     Renderer
	tasks        Scheduler
	templates    domain.TemplateRepository
	usage        domain.UsageRepository
	apiKeys      domain.APIKeyRepository
	cacheVersion string
	logger       zerolog.Logger
	ready        []ReadinessCheck
	now          func() time.Time
}

func NewApp(d Deps) *App {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &App{
		gate:         d.Gate,
		resolver:     d.Resolver,
		renderer:     d.Renderer,
		tasks:        d.Tasks,
		templates:    d.Templates,
		usage:        d.Usage,
		apiKeys:      d.APIKeys,
		cacheVersion: d.CacheVersion,
		logger:       d.Logger,
		ready:        d.Ready,
		now:          d.Now,
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes err as a JSON error. Internal detail only reaches the log.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.StatusCode(err)
	body := errorResponse{
		Error:     domain.PublicMessage(err),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	if wait := domain.RetryAfter(err); wait > 0 {
		body.RetryAfter = int(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	ev := a.logger.Info()
	if code >= http.StatusInternalServerError {
		ev = a.logger.Error()
	}
	ev.Err(err).
		Int("status", code).
		Str("request_id", body.RequestID).
		Str("path", r.URL.Path).
		Msg("request failed")

	a.json(w, code, body)
}

// MethodNotAllowed answers routes that exist with a different verb.
func (a *App) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.fail(w, r, &domain.Error{Kind: domain.ErrMethodNotAllowed, Message: "method not allowed"})
}

// NotFound answers unknown routes.
func (a *App) NotFound(w http.ResponseWriter, r *http.Request) {
	a.fail(w, r, domain.NotFound("route not found"))
}

// schedule hands work to the background queue. A full or closed queue drops
// the task; the response is never affected.
func (a *App) schedule(r *http.Request, name string, run func(ctx context.Context) error) {
	if a.tasks == nil {
		return
	}
	err := a.tasks.Submit(tasks.Task{
		Name:      name,
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Run:       run,
	})
	if err != nil && !errors.Is(err, tasks.ErrClosed) {
		a.logger.Warn().Err(err).Str("task", name).Msg("background task dropped")
	}
}
