package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newAuthedEngine(keys []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ping", APIKeyAuth(keys), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return engine
}

func TestAPIKeyAuth_OpenWhenNoKeysConfigured(t *testing.T) {
	engine := newAuthedEngine(nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an open proxy", w.Code)
	}
}

func TestAPIKeyAuth_AcceptedShapes(t *testing.T) {
	engine := newAuthedEngine([]string{"k1"})
	shapes := []func(r *http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer k1") },
		func(r *http.Request) { r.Header.Set("Authorization", "k1") },
		func(r *http.Request) { r.Header.Set("X-Goog-Api-Key", "k1") },
		func(r *http.Request) { r.Header.Set("X-Api-Key", "k1") },
	}
	for i, apply := range shapes {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		apply(req)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("shape #%d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping?key=k1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("query key: status = %d, want 200", w.Code)
	}
}

func TestAPIKeyAuth_RejectsMissingAndWrongKeys(t *testing.T) {
	engine := newAuthedEngine([]string{"k1"})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}
}
