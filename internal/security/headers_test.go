package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/discover", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), httptest.NewRequest("GET", "/v1/discover", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed origin", []string{"https://dashboard.agora.example"}, "https://dashboard.agora.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://dashboard.agora.example"}, "https://evil.example", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/discover", nil)
			req.Header.Set("Origin", tc.origin)
			w := serve(CORSMiddleware(tc.allowed), req)

			got := w.Header().Get("Access-Control-Allow-Origin") != ""
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/v1/discover", nil)
	req.Header.Set("Origin", "https://dashboard.agora.example")
	w := serve(CORSMiddleware([]string{"*"}), req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
	// Wildcard origins never get credentials.
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}
