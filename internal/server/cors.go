package server

import (
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/cyohan21/ai-document/internal/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Content-Type, Authorization, X-Correlation-ID"
	corsExposedHeaders = "X-Correlation-ID, Content-Disposition"
	corsMaxAge         = "600"
)

// corsPolicy is an immutable snapshot of [config.CORSConfig].
type corsPolicy struct {
	exact         map[string]struct{}
	patterns      []string
	allowUnlisted bool
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{exact: make(map[string]struct{}), allowUnlisted: cfg.AllowUnlisted}
	for _, o := range cfg.AllowedOrigins {
		if strings.ContainsAny(o, "*?[") {
			p.patterns = append(p.patterns, o)
		} else {
			p.exact[o] = struct{}{}
		}
	}
	return p
}

// listed reports whether origin matches an allow-list entry.
func (p *corsPolicy) listed(origin string) bool {
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, origin); ok {
			return true
		}
	}
	return false
}

// CORS applies the cross-origin policy. The policy can be swapped at runtime
// with [CORS.Update].
type CORS struct {
	policy atomic.Pointer[corsPolicy]
}

// NewCORS creates a CORS middleware for cfg.
func NewCORS(cfg config.CORSConfig) *CORS {
	c := &CORS{}
	c.Update(cfg)
	return c
}

// Update replaces the active policy.
func (c *CORS) Update(cfg config.CORSConfig) {
	c.policy.Store(newCORSPolicy(cfg))
}

// allowed reports whether origin may make credentialed requests. Unlisted
// origins are logged whether or not they are let through.
func (c *CORS) allowed(r *http.Request, origin string) bool {
	p := c.policy.Load()
	if p.listed(origin) {
		return true
	}
	slog.WarnContext(r.Context(), "cors: unlisted origin",
		"origin", origin, "allowed", p.allowUnlisted, "path", r.URL.Path)
	return p.allowUnlisted
}

// Wrap returns next behind the policy. Requests without an Origin header
// (curl, native clients) pass untouched.
func (c *CORS) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Add("Vary", "Origin")

		// Preflight is answered here and never reaches next.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !c.allowed(r, origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if c.allowed(r, origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
