package cookies

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthTokenSources(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/spatial/events?token=q", nil)
	assert.Equal(t, "q", AuthToken(r))

	r.Header.Set("Authorization", "Bearer  h ")
	assert.Equal(t, "h", AuthToken(r))

	r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "c"})
	assert.Equal(t, "c", AuthToken(r))

	assert.Empty(t, AuthToken(httptest.NewRequest(http.MethodGet, "/", nil)))
}
