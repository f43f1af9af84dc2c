package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/storage"
)

const (
	// ProviderPlaceholder in a login template is replaced by the provider name
	ProviderPlaceholder = "-PROVIDER-"
	// BrokenRendering replaces a widget whose template failed to render
	BrokenRendering = "BROKEN RENDERING"
	// MaxDataURLSize caps attachments inlined as data URLs
	MaxDataURLSize = 2 << 20

	SyntaxHTML  = "html"
	SyntaxPlain = "plain"
)

// imageMarker matches --image-base64--<attachment ref>--
var imageMarker = regexp.MustCompile(`--image-base64--(.+?)--`)

// Widget is one entry of the login page. The native entry stands for the
// host's own login form.
type Widget struct {
	Provider string `json:"provider,omitempty"`
	Native   bool   `json:"native,omitempty"`
	Template string `json:"template,omitempty"`
	Syntax   string `json:"syntax,omitempty"`
}

// RenderedWidget is a widget converted to the target syntax
type RenderedWidget struct {
	Provider string `json:"provider,omitempty"`
	Native   bool   `json:"native,omitempty"`
	Markup   string `json:"markup"`
}

// Renderer converts widget templates between markup syntaxes
type Renderer interface {
	Render(src, srcSyntax, targetSyntax string) (string, error)
}

// Widgets returns the login widgets built by the last rebuild
func (r *Registry) Widgets() []Widget {
	return append([]Widget(nil), r.current.Load().widgets...)
}

// RenderWidgets renders every widget to targetSyntax. The native marker is
// passed through; a widget that fails to render becomes BrokenRendering.
func (r *Registry) RenderWidgets(renderer Renderer, targetSyntax string) []RenderedWidget {
	widgets := r.current.Load().widgets
	out := make([]RenderedWidget, 0, len(widgets))
	for _, w := range widgets {
		if w.Native {
			out = append(out, RenderedWidget{Native: true})
			continue
		}
		markup, err := renderer.Render(w.Template, w.Syntax, targetSyntax)
		if err != nil {
			log.LogWarnWithFields("registry", "Login widget failed to render", map[string]any{
				"provider": w.Provider,
				"error":    err.Error(),
			})
			markup = BrokenRendering
		}
		out = append(out, RenderedWidget{Provider: w.Provider, Markup: markup})
	}
	return out
}

// buildWidgets orders the widgets of the retained providers around the
// native login marker. The marker goes right before the first provider
// ranked after it (OrderHint > 0), or last when no provider is.
func buildWidgets(entries []*Entry) []Widget {
	var widgets []Widget
	lastScore := 0
	for _, e := range entries {
		hint := e.Config.OrderHint
		if hint > 0 && lastScore <= 0 {
			widgets = append(widgets, Widget{Native: true})
		}
		lastScore = hint
		widgets = append(widgets, Widget{
			Provider: e.Config.Name,
			Template: e.Config.LoginTemplate,
			Syntax:   e.Config.TemplateSyntax,
		})
	}
	if lastScore <= 0 {
		widgets = append(widgets, Widget{Native: true})
	}
	return widgets
}

// widgetsFor builds the widgets and resolves template substitutions once,
// so rendering a login page reads no attachments
func (r *Registry) widgetsFor(ctx context.Context, entries []*Entry) []Widget {
	widgets := buildWidgets(entries)
	for i, w := range widgets {
		if w.Native {
			continue
		}
		if w.Template == "" {
			widgets[i].Template = ProviderPlaceholder
			widgets[i].Syntax = SyntaxPlain
		}
		widgets[i].Template = r.substitute(ctx, w.Provider, widgets[i].Template)
	}
	return widgets
}

func (r *Registry) substitute(ctx context.Context, provider, tmpl string) string {
	tmpl = imageMarker.ReplaceAllStringFunc(tmpl, func(marker string) string {
		ref := imageMarker.FindStringSubmatch(marker)[1]
		return DataURL(ctx, r.attachments, ref)
	})
	return strings.ReplaceAll(tmpl, ProviderPlaceholder, provider)
}

// DataURL inlines an attachment as a data: URL. A missing or oversized
// attachment yields a readable placeholder instead.
func DataURL(ctx context.Context, store storage.AttachmentStore, ref string) string {
	notFound := fmt.Sprintf("attachment %s not found", ref)
	if store == nil {
		return notFound
	}

	attachment, err := store.GetAttachment(ctx, ref)
	if err != nil {
		if !errors.Is(err, storage.ErrAttachmentNotFound) {
			log.LogWarnWithFields("registry", "Failed to read attachment", map[string]any{
				"ref":   ref,
				"error": err.Error(),
			})
		}
		return notFound
	}
	if len(attachment.Data) > MaxDataURLSize {
		return "file-size-is-too-large"
	}

	mediaType := attachment.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(attachment.Data)
}

// TemplateRenderer converts between plain text and HTML
type TemplateRenderer struct{}

// Render returns src converted from srcSyntax to targetSyntax. An empty
// syntax means plain text. HTML sources are checked to parse as an
// html/template so a malformed widget is reported rather than served.
func (TemplateRenderer) Render(src, srcSyntax, targetSyntax string) (string, error) {
	if srcSyntax == "" {
		srcSyntax = SyntaxPlain
	}
	if targetSyntax == "" {
		targetSyntax = SyntaxPlain
	}

	switch {
	case srcSyntax == SyntaxHTML && targetSyntax == SyntaxHTML:
		t, err := template.New("widget").Parse(src)
		if err != nil {
			return "", fmt.Errorf("parsing widget template: %w", err)
		}
		var b strings.Builder
		if err := t.Execute(&b, nil); err != nil {
			return "", fmt.Errorf("executing widget template: %w", err)
		}
		return b.String(), nil
	case srcSyntax == targetSyntax:
		return src, nil
	case srcSyntax == SyntaxPlain && targetSyntax == SyntaxHTML:
		return template.HTMLEscapeString(src), nil
	default:
		return "", fmt.Errorf("cannot render %s as %s", srcSyntax, targetSyntax)
	}
}
