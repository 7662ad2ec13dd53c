package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mcphub/internal/api"
	"mcphub/internal/settings"
	"mcphub/pkg/logging"
)

const (
	// TokenTTL is how long issued tokens stay valid.
	TokenTTL = 24 * time.Hour

	// HeaderToken and QueryToken are where a request may carry its JWT.
	HeaderToken = "x-auth-token"
	QueryToken  = "token"

	// devFallbackSecret signs tokens when no secret is configured. Fine
	// for local use, announced loudly at startup.
	devFallbackSecret = "mcphub-dev-secret-change-me"
)

// Claims is the hub's JWT payload.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Manager signs and verifies hub tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
}

// NewManager builds a manager around the configured secret. An empty
// secret falls back to a built-in development secret with a warning.
func NewManager(secret string) *Manager {
	if secret == "" {
		logging.Warn("Auth", "JWT_SECRET is not set, tokens are signed with the built-in development secret")
		secret = devFallbackSecret
	}
	return &Manager{secret: []byte(secret)}
}

// IssueToken signs a token for the user, valid for TokenTTL.
func (m *Manager) IssueToken(user *settings.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", api.NewInternalError(err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return nil, api.NewUnauthorizedError("invalid or expired token")
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", api.NewInternalError(err)
	}
	return string(hash), nil
}

// CheckPassword reports whether plain matches the stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

type claimsKey struct{}

// WithClaims attaches validated claims to a request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims attached by the middleware, if the
// request authenticated with a JWT.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Middleware enforces the authentication chain against the current
// settings snapshot on every request.
func (m *Manager) Middleware(current func() *settings.Settings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routing := current().Routing()
			if routing.SkipAuth {
				next.ServeHTTP(w, r)
				return
			}

			if routing.EnableBearerAuth && routing.BearerAuthKey != "" {
				if key, ok := bearerKey(r); ok && subtle.ConstantTimeCompare([]byte(key), []byte(routing.BearerAuthKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			tokenString := r.Header.Get(HeaderToken)
			if tokenString == "" {
				tokenString = r.URL.Query().Get(QueryToken)
			}
			if tokenString == "" {
				writeUnauthorized(w, "authentication required")
				return
			}

			claims, err := m.ValidateToken(tokenString)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerKey(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"kind":    string(api.KindUnauthorized),
			"message": message,
		},
	})
}
