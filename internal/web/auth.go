package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest accepts the configured token as ?token= (browsers cannot
// set headers on websocket upgrades) or as a Bearer header.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" && secureEqual(t, s.cfg.Token) {
		return true
	}
	if t := bearerToken(r.Header.Get("Authorization")); t != "" && secureEqual(t, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
