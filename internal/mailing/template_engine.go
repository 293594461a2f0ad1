package mailing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/automation-engine/internal/domain"
)

// TemplateService handles Liquid template rendering with caching. Templates
// are cached by the hash of their source, so edited content is never served
// from a stale entry.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a new template service with custom filters
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})
}

// Render processes a template with the given bindings.
func (ts *TemplateService) Render(templateStr string, bindings map[string]interface{}) (string, error) {
	if templateStr == "" {
		return "", nil
	}

	sum := md5.Sum([]byte(templateStr))
	key := hex.EncodeToString(sum[:])

	var tpl *liquid.Template
	if cached, ok := ts.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := ts.engine.ParseString(templateStr)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		ts.cache.Store(key, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// ContactBindings exposes a contact to templates. Attributes are available
// both under "attributes" and at the top level, where the built-in fields
// win on collisions.
func ContactBindings(c *domain.Contact) map[string]interface{} {
	attrs := make(map[string]interface{}, len(c.Attributes))
	for k, v := range c.Attributes {
		attrs[k] = v
	}

	b := make(map[string]interface{}, len(attrs)+4)
	for k, v := range attrs {
		b[k] = v
	}
	b["email"] = c.Email
	b["first_name"] = c.FirstName
	b["last_name"] = c.LastName
	b["attributes"] = attrs
	return b
}

// Personalize renders subject and bodies of content for one contact.
func (ts *TemplateService) Personalize(content *domain.EmailContent, c *domain.Contact) (Message, error) {
	bindings := ContactBindings(c)

	subject, err := ts.Render(content.Subject, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("subject: %w", err)
	}
	html, err := ts.Render(content.HTMLBody, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("html body: %w", err)
	}
	text, err := ts.Render(content.TextBody, bindings)
	if err != nil {
		return Message{}, fmt.Errorf("text body: %w", err)
	}

	return Message{
		FromAddress: content.FromAddress,
		FromName:    content.FromName,
		To:          c.Email,
		Subject:     subject,
		HTMLBody:    html,
		TextBody:    text,
	}, nil
}
