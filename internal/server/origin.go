package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originPolicy is the compiled form of Config.AllowedOrigins.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// newOriginPolicy compiles the configured origins. It returns the policy, the
// canonical origins it admits and the entries it could not parse.
func newOriginPolicy(origins []string) (originPolicy, []string, []string) {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	var canonical, rejected []string

	for _, entry := range origins {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			policy.allowAll = true
		default:
			origin, ok := canonicalOrigin(entry)
			if !ok {
				rejected = append(rejected, entry)
				continue
			}
			if _, dup := policy.allowed[origin]; dup {
				continue
			}
			policy.allowed[origin] = struct{}{}
			canonical = append(canonical, origin)
		}
	}
	return policy, canonical, rejected
}

// allows reports whether a browser Origin header value is admitted. A missing
// or unparsable origin is never admitted, even with a wildcard.
func (p originPolicy) allows(header string) bool {
	origin, ok := canonicalOrigin(header)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok = p.allowed[origin]
	return ok
}

// canonicalOrigin lowercases scheme and host; the port is kept.
func canonicalOrigin(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

func isOriginAllowed(r *http.Request) bool {
	configMu.RLock()
	policy := activeOrigins
	configMu.RUnlock()

	return policy.allows(r.Header.Get("Origin"))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}

	s.logger.Warn("Rejected WebSocket upgrade from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
	)
	return false
}

// setCORSHeaders echoes the request origin when it is allowed.
func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if !isOriginAllowed(r) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Add("Vary", "Origin")
}
