package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAdmin(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	admin, err := auth.GenerateJWT(1, "root", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	player, err := auth.GenerateJWT(2, "pilot", "player", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "abc", http.StatusUnauthorized},
		{"player", player, http.StatusForbidden},
		{"admin", admin, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/spatial/bodies", nil)
			if tc.token != "" {
				r.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			RequireAdmin(okHandler()).ServeHTTP(w, r)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2, Enabled: true})
	h := rl.Middleware(okHandler())

	codes := func(addr string) []int {
		var out []int
		for i := 0; i < 3; i++ {
			r := httptest.NewRequest(http.MethodGet, "/spatial/bodies", nil)
			r.RemoteAddr = addr
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			out = append(out, w.Code)
		}
		return out
	}

	assert.Equal(t, []int{204, 204, 429}, codes("10.0.0.1:5000"))
	assert.Equal(t, []int{204, 204, 429}, codes("10.0.0.2:5000"))
}
