package web

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginGuard rejects cookie-authenticated state changes coming from
// pages outside the allowed origins.
type OriginGuard struct {
	allowed map[string]struct{}
}

func NewOriginGuard(origins []string) *OriginGuard {
	g := &OriginGuard{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			g.allowed[o] = struct{}{}
		}
	}
	return g
}

// Allowed checks Origin, falling back to Referer. Requests carrying
// neither header are refused.
func (g *OriginGuard) Allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		ref := r.Header.Get("Referer")
		if ref == "" {
			return false
		}
		u, err := url.Parse(ref)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		origin = u.Scheme + "://" + u.Host
	}
	_, ok := g.allowed[strings.TrimRight(strings.ToLower(origin), "/")]
	return ok
}
