// Package render renders operator supplied notification templates in a
// sandboxed pongo2 template set.
package render

import (
	"fmt"
	"sync"

	"github.com/flosch/pongo2/v6"
	"go.uber.org/zap"

	"github.com/t77yq/alertflow/internal/monitor"
)

// Renderer turns a template and a context into text
type Renderer interface {
	Render(tpl string, ctx Context) (string, error)
}

// tags that reach outside the template string
var bannedTags = []string{"include", "import", "extends", "ssi"}

var autoescapeOnce sync.Once

// PongoRenderer renders Django-style templates with pongo2
type PongoRenderer struct {
	set     *pongo2.TemplateSet
	metrics monitor.Collector
	logger  *zap.Logger
}

// NewPongoRenderer creates a new renderer with a sandboxed template set
func NewPongoRenderer(metrics monitor.Collector, logger *zap.Logger) (*PongoRenderer, error) {
	// notifications are plain text
	autoescapeOnce.Do(func() { pongo2.SetAutoescape(false) })

	set := pongo2.NewSet("notifications", pongo2.DefaultLoader)
	for _, tag := range bannedTags {
		if err := set.BanTag(tag); err != nil {
			return nil, fmt.Errorf("failed to ban tag %s: %w", tag, err)
		}
	}

	return &PongoRenderer{
		set:     set,
		metrics: metrics,
		logger:  logger.Named("render"),
	}, nil
}

// Render implements Renderer. An empty template renders to an empty string.
func (r *PongoRenderer) Render(tpl string, ctx Context) (string, error) {
	if tpl == "" {
		return "", nil
	}

	compiled, err := r.set.FromString(tpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	out, err := compiled.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return out, nil
}

// RenderOr renders tpl and returns fallback when rendering fails. An empty
// template still renders to an empty string.
func (r *PongoRenderer) RenderOr(tpl string, ctx Context, fallback string) string {
	return RenderOr(r, r.metrics, r.logger, tpl, ctx, fallback)
}

// RenderOr renders through any Renderer, logging failures and substituting
// fallback.
func RenderOr(r Renderer, metrics monitor.Collector, logger *zap.Logger, tpl string, ctx Context, fallback string) string {
	out, err := r.Render(tpl, ctx)
	if err != nil {
		logger.Warn("Template rendering failed, using fallback",
			zap.Any("fingerprint", ctx["fingerprint"]),
			zap.Error(err))
		metrics.Increment(monitor.TemplateFailures, nil)
		return fallback
	}
	return out
}
