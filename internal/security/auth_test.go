package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-must-be-long-enough"

func createTestAuthenticator(requireAuth bool) *Authenticator {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewAuthenticator(&Config{
		APIKeys:      []string{"client-key-0001"},
		AdminAPIKeys: []string{"admin-key-0001"},
		JWTSecret:    testSecret,
		JWTExpiry:    time.Hour,
		RequireAuth:  requireAuth,
	}, logger)
}

func TestNewAuthenticator_DefaultExpiry(t *testing.T) {
	auth := NewAuthenticator(&Config{}, logrus.New())
	assert.Equal(t, 24*time.Hour, auth.config.JWTExpiry)
}

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	auth := createTestAuthenticator(true)
	ctx := context.Background()

	tests := []struct {
		name      string
		apiKey    string
		wantErr   bool
		wantType  string
		wantReset bool
	}{
		{name: "client key", apiKey: "client-key-0001", wantType: "api_key"},
		{name: "admin key", apiKey: "admin-key-0001", wantType: "admin_key", wantReset: true},
		{name: "unknown key", apiKey: "nope", wantErr: true},
		{name: "empty key", apiKey: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := auth.ValidateAPIKey(ctx, tt.apiKey)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, info)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, info.UserID)
			assert.NotContains(t, info.UserID, tt.apiKey)
			assert.Equal(t, tt.wantType, info.Metadata["auth_type"])
			assert.True(t, info.HasPermission(PermissionTryOn))
			assert.Equal(t, tt.wantReset, info.HasPermission(PermissionHealthReset))
		})
	}
}

func TestAuthenticator_GenerateAndValidateJWT(t *testing.T) {
	auth := createTestAuthenticator(true)

	token, err := auth.GenerateJWT("operator", OperatorPermissions)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := auth.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.UserID)
	assert.Equal(t, OperatorPermissions, claims.Permissions)
	assert.Equal(t, "tryon-router", claims.Issuer)

	info, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", info.Metadata["auth_type"])
	assert.True(t, info.HasPermission(PermissionHealthReset))
	require.NotNil(t, info.ExpiresAt)
}

func TestAuthenticator_ValidateJWT_Rejects(t *testing.T) {
	auth := createTestAuthenticator(true)

	other := NewAuthenticator(&Config{JWTSecret: "a-completely-different-secret-value"}, logrus.New())
	foreign, err := other.GenerateJWT("mallory", OperatorPermissions)
	require.NoError(t, err)

	expiring := NewAuthenticator(&Config{JWTSecret: testSecret, JWTExpiry: -time.Minute}, logrus.New())
	expired, err := expiring.GenerateJWT("late", ClientPermissions)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not.a.jwt",
		"empty":        "",
		"wrong secret": foreign,
		"expired":      expired,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ValidateJWT(token)
			assert.Error(t, err)
		})
	}
}

func TestAuthenticator_GenerateJWT_RequiresSecret(t *testing.T) {
	auth := NewAuthenticator(&Config{}, logrus.New())
	_, err := auth.GenerateJWT("x", ClientPermissions)
	assert.Error(t, err)
}

func TestAuthenticator_AuthMiddleware(t *testing.T) {
	auth := createTestAuthenticator(true)

	var seen *AuthInfo
	handler := auth.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		header     string
		value      string
		wantStatus int
		wantUser   bool
	}{
		{name: "liveness is public", path: "/health", wantStatus: http.StatusOK},
		{name: "docs are public", path: "/docs/openapi.yaml", wantStatus: http.StatusOK},
		{name: "missing token", path: "/v1/try-on", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/try-on", header: "X-API-Key", value: "bad", wantStatus: http.StatusUnauthorized},
		{name: "api key header", path: "/v1/try-on", header: "X-API-Key", value: "client-key-0001", wantStatus: http.StatusOK, wantUser: true},
		{name: "bearer api key", path: "/v1/status", header: "Authorization", value: "Bearer admin-key-0001", wantStatus: http.StatusOK, wantUser: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantUser, seen != nil)
			if rr.Code == http.StatusUnauthorized {
				assert.Contains(t, rr.Body.String(), "authentication_error")
			}
		})
	}
}

func TestAuthenticator_RequirePermission(t *testing.T) {
	auth := createTestAuthenticator(true)
	protected := auth.AuthMiddleware()(auth.RequirePermission(PermissionHealthReset)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/health/reset", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rr := httptest.NewRecorder()
		protected.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusForbidden, send("client-key-0001"))
	assert.Equal(t, http.StatusNoContent, send("admin-key-0001"))
}

func TestAuthenticator_AuthDisabled(t *testing.T) {
	auth := createTestAuthenticator(false)
	handler := auth.AuthMiddleware()(auth.RequirePermission(PermissionHealthReset)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/health/reset", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "clie****0001", maskAPIKey("client-key-0001"))
}
