package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"ogimage/internal/domain"
	"ogimage/internal/middleware"
	"ogimage/internal/templates"
)

type templateBody struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	Base      string            `json:"base"`
	Defaults  map[string]string `json:"defaults"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

func toTemplateBody(tpl domain.StoredTemplate) templateBody {
	body := templateBody{ID: tpl.ID, Name: tpl.Name, Base: tpl.Base, Defaults: tpl.Defaults}
	if !tpl.CreatedAt.IsZero() {
		body.CreatedAt = &tpl.CreatedAt
	}
	if !tpl.UpdatedAt.IsZero() {
		body.UpdatedAt = &tpl.UpdatedAt
	}
	if body.Defaults == nil {
		body.Defaults = map[string]string{}
	}
	return body
}

// ListTemplates returns the session account's stored templates.
func (a *App) ListTemplates(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if !session.Authenticated() {
		a.fail(w, r, domain.Unauthorized("session required"))
		return
	}
	items, err := a.templates.ListByOwner(r.Context(), session.AccountID)
	if err != nil {
		a.fail(w, r, domain.Internal("failed to list templates", err))
		return
	}
	out := make([]templateBody, 0, len(items))
	for _, tpl := range items {
		out = append(out, toTemplateBody(tpl))
	}
	a.json(w, http.StatusOK, map[string]any{"templates": out})
}

// PutTemplate creates or updates a stored template owned by the session
// account.
func (a *App) PutTemplate(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFromContext(r.Context())
	if !session.Authenticated() {
		a.fail(w, r, domain.Unauthorized("session required"))
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		a.fail(w, r, &domain.Error{Kind: domain.ErrUnsupportedMedia, Message: "request body must be application/json"})
		return
	}

	var body templateBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		a.fail(w, r, domain.Validation("invalid JSON body"))
		return
	}
	tpl := &domain.StoredTemplate{
		ID:             body.ID,
		OwnerAccountID: session.AccountID,
		Name:           body.Name,
		Base:           body.Base,
		Defaults:       body.Defaults,
	}
	if err := templates.Prepare(tpl); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.templates.Put(r.Context(), tpl); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			a.fail(w, r, domain.Forbidden("template belongs to another account"))
			return
		}
		a.fail(w, r, domain.Internal("failed to store template", err))
		return
	}
	a.logger.Info().
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("template_id", tpl.ID).
		Str("account_id", tpl.OwnerAccountID).
		Msg("template stored")
	a.json(w, http.StatusOK, toTemplateBody(*tpl))
}
