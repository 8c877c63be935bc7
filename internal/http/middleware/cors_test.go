package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/PostGeraWebchatSession", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	rec := httptest.NewRecorder()

	CORS([]string{"https://chat.example.com"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-Canal")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-Hash")
}

func TestCORSDeniesUnknownOrigin(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodGet, "/GetInfoChat", nil)
	req.Header.Set("Origin", "https://unknown.example")
	rec := httptest.NewRecorder()

	CORS([]string{"https://chat.example.com"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodGet, "/GetInfoChat", nil)
	req.Header.Set("Origin", "https://random.example")
	rec := httptest.NewRecorder()

	CORS([]string{"*"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.Equal(t, "https://random.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSHandlesPreflight(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodOptions, "/PostAvaliacaoAtdFinalizado", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()

	CORS([]string{"https://chat.example.com"})(okHandler(&called)).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
