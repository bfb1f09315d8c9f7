package cookies

import (
	"net/http"
	"strings"
)

const AuthCookieName = "auth_token"

// AuthToken finds the bearer token on a request. Browsers send the auth
// cookie; other clients use the Authorization header. Websocket clients that
// can set neither pass ?token=.
func AuthToken(r *http.Request) string {
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
