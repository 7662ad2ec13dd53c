package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/settings"
)

func TestIssueAndValidateToken(t *testing.T) {
	m := NewManager("unit-test-secret")

	token, err := m.IssueToken(&settings.User{Username: "admin", IsAdmin: true})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.True(t, claims.IsAdmin)
	assert.WithinDuration(t, time.Now().Add(TokenTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-one").IssueToken(&settings.User{Username: "admin"})
	require.NoError(t, err)

	_, err = NewManager("secret-two").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m := NewManager("unit-test-secret")

	expired := Claims{
		Username: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString(m.secret)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := NewManager("unit-test-secret")

	_, err := m.ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestDevFallbackSecret(t *testing.T) {
	m := NewManager("")

	token, err := m.IssueToken(&settings.User{Username: "dev"})
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev", claims.Username)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
	assert.False(t, CheckPassword("", "hunter2"))
}

func middlewareFixture(m *Manager, routing *settings.RoutingConfig) (http.Handler, *bool, *[]string) {
	snap := &settings.Settings{SystemConfig: &settings.SystemConfig{Routing: routing}}

	called := false
	var usernames []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			usernames = append(usernames, claims.Username)
		}
		w.WriteHeader(http.StatusOK)
	})

	return m.Middleware(func() *settings.Settings { return snap })(inner), &called, &usernames
}

func TestMiddlewareSkipAuth(t *testing.T) {
	handler, called, _ := middlewareFixture(NewManager("s"), &settings.RoutingConfig{SkipAuth: true})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestMiddlewareBearerKey(t *testing.T) {
	handler, called, _ := middlewareFixture(NewManager("s"), &settings.RoutingConfig{
		EnableBearerAuth: true,
		BearerAuthKey:    "hub-key",
	})

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set("Authorization", "Bearer hub-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)

	req = httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareJWTHeaderAndQuery(t *testing.T) {
	m := NewManager("s")
	handler, _, usernames := middlewareFixture(m, nil)

	token, err := m.IssueToken(&settings.User{Username: "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set(HeaderToken, token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/sse?token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"alice", "alice"}, *usernames)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler, called, _ := middlewareFixture(NewManager("s"), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, *called)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}
