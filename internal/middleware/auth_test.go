package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/auth"
	"gatewatch/internal/config"
)

func newGuarded(t *testing.T, enabled bool) (http.Handler, *auth.Authenticator) {
	t.Helper()
	a, err := auth.NewAuthenticator(config.AuthConfig{Enabled: enabled, Password: "pa55", JWTSecret: "k"})
	require.NoError(t, err)

	h := AuthMiddleware(a, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetUserFromContext(r.Context()); c != nil {
			w.Header().Set("X-User", c.Username)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, a
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	h, a := newGuarded(t, true)
	token, _, err := a.Authenticate("admin", "pa55")
	require.NoError(t, err)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "admin", rec.Header().Get("X-User"))
}

func TestAuthMiddlewareWebsocketQueryToken(t *testing.T) {
	h, a := newGuarded(t, true)
	token, _, err := a.Authenticate("admin", "pa55")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws/overlay?token="+token, nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code, "query token only for upgrades")

	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h, _ := newGuarded(t, false)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
