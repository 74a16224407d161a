package auth

import (
	"net/http"
	"strings"
)

const CookieName = "access_token"

func stripBearer(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:]), true
	}
	return v, false
}

// TokenFromRequest looks at the Authorization header first, then the
// access_token cookie. The cookie value may carry a "Bearer " prefix.
func TokenFromRequest(r *http.Request) string {
	if tok, ok := stripBearer(r.Header.Get("Authorization")); ok && tok != "" {
		return tok
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		tok, _ := stripBearer(c.Value)
		return tok
	}
	return ""
}
