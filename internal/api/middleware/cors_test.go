package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-os/libb2/internal/infrastructure/config"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.CORSConfig
		origin string
		want   string
		code   int
	}{
		{"wildcard", config.CORSConfig{AllowOrigins: []string{"*"}, Enabled: true}, "http://any.test", "*", http.StatusOK},
		{"listed origin", config.CORSConfig{AllowOrigins: []string{"http://dash.test"}, Enabled: true}, "http://dash.test", "http://dash.test", http.StatusOK},
		{"unlisted origin", config.CORSConfig{AllowOrigins: []string{"http://dash.test"}, Enabled: true}, "http://evil.test", "", http.StatusForbidden},
		{"disabled", config.CORSConfig{AllowOrigins: []string{"http://dash.test"}}, "http://evil.test", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.MaxAge = time.Hour
			r := newRouter(CORS(tt.cfg))

			req, err := http.NewRequest(http.MethodGet, "/threads", nil)
			require.NoError(t, err)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
