package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return rr.Code, string(body)
}

func TestServer_HealthAndDrain(t *testing.T) {
	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, pingRoutes{})
	require.NoError(t, err)
	router := srv.Router()

	code, body := get(t, router, "/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body)

	code, _ = get(t, router, "/livez")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, router, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	_, body = get(t, router, "/drain")
	assert.Contains(t, body, `"draining"`)
	assert.False(t, srv.IsReady())

	code, _ = get(t, router, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, body = get(t, router, "/drain")
	assert.Contains(t, body, "already draining")

	_, body = get(t, router, "/undrain")
	assert.Contains(t, body, `"ready"`)
	assert.True(t, srv.IsReady())

	_, body = get(t, router, "/undrain")
	assert.Contains(t, body, "already ready")
}
