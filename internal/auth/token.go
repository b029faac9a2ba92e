package auth

import (
	"net/http"
	"strings"
)

const (
	bearerPrefix = "bearer "
	// SubprotocolBearer prefixes a token sent as a Sec-WebSocket-Protocol value.
	SubprotocolBearer = "bearer."
)

// TokenFromRequest reads the session cookie, then the Authorization header.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}

// SocketToken extends TokenFromRequest with the ?token= query parameter and the
// bearer sub-protocol, since browsers cannot set headers on socket handshakes.
func SocketToken(r *http.Request, cookieName string) string {
	if t := TokenFromRequest(r, cookieName); t != "" {
		return t
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	for _, p := range Subprotocols(r) {
		if strings.HasPrefix(p, SubprotocolBearer) {
			return strings.TrimPrefix(p, SubprotocolBearer)
		}
	}
	return ""
}

// Subprotocols splits the Sec-WebSocket-Protocol header.
func Subprotocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
