package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveOperator(t *testing.T, secret, bearer string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/operator/rooms/1/start", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	called := false
	OperatorJWT(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		claims, ok := OperatorFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "agent-7", claims.Subject)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec, called
}

func signedOperatorToken(t *testing.T, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "agent-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestOperatorJWT(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		bearer string
		code   int
	}{
		{name: "disabled without secret", secret: "", bearer: "x", code: http.StatusUnauthorized},
		{name: "missing header", secret: "secret", code: http.StatusUnauthorized},
		{name: "wrong key", secret: "secret", bearer: signedOperatorToken(t, "wrong"), code: http.StatusUnauthorized},
		{name: "valid", secret: "secret", bearer: signedOperatorToken(t, "secret"), code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, called := serveOperator(t, tt.secret, tt.bearer)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.code == http.StatusOK, called)
		})
	}
}
