package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"

	"github.com/makebreak/apiserver/internal/storage"
)

//go:embed templates/*.html
var embedded embed.FS

// TemplateKey is the object key a template is stored under in a bucket.
func TemplateKey(name string) string {
	return "email-templates/" + name + ".html"
}

// EmbeddedTemplate returns the bundled source of a template.
func EmbeddedTemplate(name string) ([]byte, error) {
	return fs.ReadFile(embedded, "templates/"+name+".html")
}

// ObjectSource reads template sources from object storage.
type ObjectSource interface {
	ReadAll(ctx context.Context, key string) ([]byte, error)
}

// ObjectRemover deletes objects; deleting a missing key is not an error.
type ObjectRemover interface {
	Delete(ctx context.Context, key string) error
}

// RemoveTemplates deletes every template override from dst. done is called
// with each key removed.
func RemoveTemplates(ctx context.Context, dst ObjectRemover, done func(key string)) error {
	for _, name := range Templates {
		key := TemplateKey(name)
		if err := dst.Delete(ctx, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		if done != nil {
			done(key)
		}
	}
	return nil
}

// Renderer holds parsed email templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewEmbeddedRenderer parses the bundled templates.
func NewEmbeddedRenderer() (*Renderer, error) {
	return newRenderer(func(name string) ([]byte, error) {
		return EmbeddedTemplate(name)
	})
}

// LoadRenderer fetches every template from src and parses it. Templates
// missing from the bucket fall back to the bundled copy.
func LoadRenderer(ctx context.Context, src ObjectSource) (*Renderer, error) {
	return newRenderer(func(name string) ([]byte, error) {
		body, err := src.ReadAll(ctx, TemplateKey(name))
		if errors.Is(err, storage.ErrObjectNotFound) {
			return EmbeddedTemplate(name)
		}
		return body, err
	})
}

func newRenderer(load func(name string) ([]byte, error)) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template, len(Templates))}
	for _, name := range Templates {
		body, err := load(name)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", name, err)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render executes the named template with data and returns HTML.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
