// Package templates resolves built-in and stored templates into layouts the
// render pipeline can draw.
package templates

import (
	"strings"

	"ogimage/internal/domain"
	"ogimage/internal/params"
)

// Kind is one of the built-in template layouts.
type Kind int

const (
	KindDefault Kind = iota
	KindBlog
	KindProduct
	KindEvent
	KindDocs
	KindProfile
	KindQuote
)

// Kinds lists every built-in template in registry order.
var Kinds = []Kind{KindDefault, KindBlog, KindProduct, KindEvent, KindDocs, KindProfile, KindQuote}

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindBlog:
		return "blog"
	case KindProduct:
		return "product"
	case KindEvent:
		return "event"
	case KindDocs:
		return "docs"
	case KindProfile:
		return "profile"
	case KindQuote:
		return "quote"
	default:
		return "unknown"
	}
}

// AcceptedFields returns the template-specific fields the kind renders.
// Anything else the caller sends is ignored for that template.
func (k Kind) AcceptedFields() []string {
	switch k {
	case KindBlog:
		return []string{"author", "date", "category", "readTime"}
	case KindProduct:
		return []string{"price", "currency", "brand", "rating"}
	case KindEvent:
		return []string{"date", "time", "location"}
	case KindDocs:
		return []string{"version", "section"}
	case KindProfile:
		return []string{"username", "role", "tagline"}
	case KindQuote:
		return []string{"author", "role"}
	default:
		return nil
	}
}

// ParseKind maps a template name onto its kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return KindDefault, nil
	case "blog":
		return KindBlog, nil
	case "product":
		return KindProduct, nil
	case "event":
		return KindEvent, nil
	case "docs":
		return KindDocs, nil
	case "profile":
		return KindProfile, nil
	case "quote":
		return KindQuote, nil
	default:
		return KindDefault, domain.Validation("invalid template %q: must be one of %s", name, strings.Join(params.Templates, ", "))
	}
}

func (k Kind) accepts(field string) bool {
	for _, f := range k.AcceptedFields() {
		if f == field {
			return true
		}
	}
	return false
}
