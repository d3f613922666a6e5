package site

import (
	"fmt"
	"maps"
	"path"

	"github.com/mrled/hedgepush/internal/publish"
	"github.com/mrled/hedgepush/internal/store"
	"github.com/mrled/hedgepush/internal/transform"
)

// Rule customizes uploads for the assets whose relative path matches
// Pattern. Patterns use path.Match syntax; one without a slash matches the
// base name.
type Rule struct {
	Pattern string

	// Headers are layered over the base headers.
	Headers map[string]string

	// Compress names a transformer replacing the base one. Empty keeps the
	// base transformer; "none" uploads as-is.
	Compress string
}

type route struct {
	pattern  string
	renderer *publish.Renderer
}

// Router picks the renderer for an asset: the first matching rule's, or
// the base renderer when no rule matches.
type Router struct {
	routes   []route
	fallback *publish.Renderer
}

// NewRouter builds one renderer per rule from base. Every renderer writes
// through client and gets opts, so they all share the same invalidator.
func NewRouter(base publish.Config, client store.Client, rules []Rule, opts ...publish.Option) (*Router, error) {
	fallback, err := publish.New(base, client, opts...)
	if err != nil {
		return nil, err
	}
	router := &Router{fallback: fallback}

	for _, rule := range rules {
		if _, err := path.Match(rule.Pattern, ""); err != nil || rule.Pattern == "" {
			return nil, fmt.Errorf("bad rule pattern %q", rule.Pattern)
		}

		cfg := base
		cfg.Headers = make(map[string]string, len(base.Headers)+len(rule.Headers))
		maps.Copy(cfg.Headers, base.Headers)
		maps.Copy(cfg.Headers, rule.Headers)
		if rule.Compress != "" {
			t, err := transform.Parse(rule.Compress)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Pattern, err)
			}
			cfg.Transformer = t
		}

		renderer, err := publish.New(cfg, client, opts...)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Pattern, err)
		}
		router.routes = append(router.routes, route{pattern: rule.Pattern, renderer: renderer})
	}
	return router, nil
}

// Route returns the renderer for the asset at rel and the pattern that
// selected it, empty for the base renderer.
func (r *Router) Route(rel string) (*publish.Renderer, string) {
	for _, rt := range r.routes {
		if matchPattern(rt.pattern, rel) {
			return rt.renderer, rt.pattern
		}
	}
	return r.fallback, ""
}
