package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// Permissions understood by the router
const (
	PermissionTryOn       = "tryon:submit"
	PermissionHealthRead  = "health:read"
	PermissionHealthReset = "health:reset"
)

const jwtIssuer = "tryon-router"

// ClientPermissions are granted to ordinary API keys
var ClientPermissions = []string{PermissionTryOn, PermissionHealthRead}

// OperatorPermissions are granted to admin keys and operator tokens
var OperatorPermissions = []string{PermissionTryOn, PermissionHealthRead, PermissionHealthReset}

// AuthInfo describes an authenticated caller
type AuthInfo struct {
	UserID      string            `json:"user_id"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// HasPermission reports whether perm was granted
func (a *AuthInfo) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// JWTClaims are the claims carried by operator tokens
type JWTClaims struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys      []string      `yaml:"api_keys"`
	AdminAPIKeys []string      `yaml:"admin_api_keys"`
	JWTSecret    string        `yaml:"jwt_secret"`
	JWTExpiry    time.Duration `yaml:"jwt_expiry"`
	RequireAuth  bool          `yaml:"require_auth"`
}

type authContextKey struct{}

// Authenticator validates API keys and operator JWTs
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator; JWTExpiry defaults to 24h
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}

	return &Authenticator{
		config: config,
		logger: logger,
	}
}

// Authenticate accepts either an API key or a JWT
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}

	if a.config.JWTSecret != "" {
		if claims, err := a.ValidateJWT(token); err == nil {
			info := &AuthInfo{
				UserID:      claims.UserID,
				Permissions: claims.Permissions,
				Metadata:    map[string]string{"auth_type": "jwt"},
			}
			if claims.ExpiresAt != nil {
				info.ExpiresAt = &claims.ExpiresAt.Time
			}
			return info, nil
		}
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey checks admin keys first, then client keys
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if matchKey(apiKey, a.config.AdminAPIKeys) {
		return &AuthInfo{
			UserID:      keyUserID(apiKey),
			Permissions: OperatorPermissions,
			Metadata:    map[string]string{"auth_type": "admin_key"},
		}, nil
	}
	if matchKey(apiKey, a.config.APIKeys) {
		return &AuthInfo{
			UserID:      keyUserID(apiKey),
			Permissions: ClientPermissions,
			Metadata:    map[string]string{"auth_type": "api_key"},
		}, nil
	}

	a.logger.WithFields(logrus.Fields{
		"api_key_prefix": maskAPIKey(apiKey),
		"remote_ip":      types.ClientIPFromContext(ctx),
	}).Debug("Unknown API key")

	return nil, errors.New("invalid API key")
}

// GenerateJWT signs a token for userID with the given permissions
func (a *Authenticator) GenerateJWT(userID string, permissions []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := &JWTClaims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies an HS256 token issued by this router
func (a *Authenticator) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid JWT token")
}

// AuthMiddleware authenticates every request except liveness and docs
func (a *Authenticator) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "authentication_error", "Missing authentication token")
				return
			}

			ctx := types.WithClientIP(r.Context(), ClientIP(r))
			info, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": ClientIP(r),
				}).Warn("Authentication failed")
				writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid authentication token")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"user_id":   info.UserID,
				"auth_type": info.Metadata["auth_type"],
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(ctx, info)))
		})
	}
}

// RequirePermission rejects requests whose caller lacks perm. With auth
// disabled every request passes.
func (a *Authenticator) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			info, ok := GetAuthInfo(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication_error", "Missing authentication token")
				return
			}
			if !info.HasPermission(perm) {
				a.logger.WithFields(logrus.Fields{
					"user_id":    info.UserID,
					"permission": perm,
					"path":       r.URL.Path,
				}).Warn("Permission denied")
				writeError(w, http.StatusForbidden, "authorization_error", "Missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithAuthInfo stores the authenticated caller in ctx
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey{}, info)
}

// GetAuthInfo returns the caller stored by the auth middleware
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(*AuthInfo)
	return info, ok
}

// ClientIP resolves the caller address from proxy headers or RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/v1/health" || strings.HasPrefix(path, "/docs")
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func matchKey(candidate string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

// keyUserID is stable per key without exposing it
func keyUserID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key_" + hex.EncodeToString(sum[:6])
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    status,
		},
		Timestamp: time.Now().Unix(),
	})
}
