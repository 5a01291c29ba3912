package templates

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ogimage/internal/domain"
	"ogimage/internal/params"
)

// Descriptor is resolved, render-ready content.
type Descriptor struct {
	Kind        Kind
	TemplateID  string
	Title       string
	Description string
	Emoji       string
	Fields      map[string]string
	Theme       string
	Font        string
	FontURL     string
}

func (d Descriptor) titleOr(fallback string) string {
	if d.Title != "" {
		return d.Title
	}
	return fallback
}

// Resolver turns a validated request into a Descriptor, loading stored
// templates from the template store when the request names one.
type Resolver struct {
	store domain.TemplateRepository
}

func NewResolver(store domain.TemplateRepository) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps req onto a Descriptor.
//
// Stored templates are owner-checked only for session callers. A preview made
// with an API key may render any stored template it can name.
func (r *Resolver) Resolve(ctx context.Context, req *params.RenderRequest, caller domain.Credential) (Descriptor, error) {
	if !req.ByIdentifier() {
		kind, err := ParseKind(req.Template)
		if err != nil {
			return Descriptor{}, err
		}
		return describe(kind, req), nil
	}

	if r.store == nil {
		return Descriptor{}, domain.NotFound("template not found")
	}
	tpl, err := r.store.Get(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Descriptor{}, domain.NotFound("template not found")
		}
		return Descriptor{}, domain.Internal("failed to load template", err)
	}
	if caller.Kind == domain.CredentialSession && tpl.OwnerAccountID != caller.AccountID {
		return Descriptor{}, domain.Forbidden("template belongs to another account")
	}

	kind, err := ParseKind(tpl.Base)
	if err != nil {
		return Descriptor{}, domain.Internal("stored template has an unknown base", err)
	}
	merged, err := params.Parse(mergeDefaults(tpl.Defaults, req))
	if err != nil {
		return Descriptor{}, domain.Internal("stored template defaults are invalid", err)
	}
	d := describe(kind, merged)
	d.TemplateID = tpl.ID
	return d, nil
}

// mergeDefaults overlays the caller's explicit values on a stored template's
// defaults. The base layout is fixed by the stored record.
func mergeDefaults(defaults map[string]string, req *params.RenderRequest) map[string]string {
	raw := make(map[string]string, len(defaults))
	for k, v := range defaults {
		raw[k] = v
	}
	for _, key := range overridable() {
		if req.Explicit(key) {
			raw[key] = req.Value(key)
		}
	}
	delete(raw, params.KeyTemplate)
	delete(raw, params.KeyTemplateID)
	return raw
}

func overridable() []string {
	keys := []string{
		params.KeyTitle, params.KeyDescription, params.KeyEmoji,
		params.KeyTheme, params.KeyFont, params.KeyFontURL,
	}
	return append(keys, params.TemplateFields...)
}

func describe(kind Kind, req *params.RenderRequest) Descriptor {
	d := Descriptor{
		Kind:        kind,
		Title:       req.Title,
		Description: req.Description,
		Emoji:       req.Emoji,
		Fields:      make(map[string]string),
		Theme:       req.Theme,
		Font:        req.Font,
		FontURL:     req.FontURL,
	}
	for key, v := range req.Fields {
		if kind.accepts(key) {
			d.Fields[key] = v
		}
	}
	return d
}

// Prepare checks a template before it is stored: the base must be a built-in
// kind and the defaults must pass request validation. A missing ID is
// generated.
func Prepare(tpl *domain.StoredTemplate) error {
	if tpl == nil {
		return domain.Validation("template is required")
	}
	if strings.TrimSpace(tpl.OwnerAccountID) == "" {
		return domain.Validation("template owner is required")
	}
	kind, err := ParseKind(tpl.Base)
	if err != nil {
		return err
	}
	tpl.Base = kind.String()
	for _, key := range []string{params.KeyTemplate, params.KeyTemplateID, params.KeyCacheVersion} {
		if _, ok := tpl.Defaults[key]; ok {
			return domain.Validation("defaults may not set %q", key)
		}
	}
	if _, err := params.Parse(tpl.Defaults); err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	} else if _, err := params.Parse(map[string]string{params.KeyTemplateID: tpl.ID}); err != nil {
		return err
	}
	return nil
}
