package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
	Audit      *security.AuditConfig      `yaml:"audit"`
	CORS       *CORSConfig                `yaml:"cors"`
}

// CORSConfig lists the origins allowed to call the API from a browser
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	auth        *security.Authenticator
	rateLimiter *security.InMemoryRateLimiter
	validator   *security.RequestValidator
	auditor     *security.AuditLogger
	cors        *CORSConfig
	logger      *logrus.Logger
}

// NewSecurityMiddleware builds every configured component. Auth is always
// present so permission checks have something to consult.
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	authConfig := config.Auth
	if authConfig == nil {
		authConfig = &security.Config{}
	}

	s := &SecurityMiddleware{
		auth:   security.NewAuthenticator(authConfig, logger),
		cors:   config.CORS,
		logger: logger,
	}

	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.rateLimiter = security.NewInMemoryRateLimiter(config.RateLimit, logger)
	}

	if config.Validation != nil {
		validator, err := security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		s.validator = validator
	}

	if config.Audit != nil {
		s.auditor = security.NewAuditLogger(config.Audit, logger)
	}

	return s, nil
}

// Handler returns the chain. Outermost first: headers, cors, audit, auth,
// rate limit, validation.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}
		handler = s.auth.AuthMiddleware()(handler)
		if s.auditor != nil {
			handler = s.auditor.AuditMiddleware()(handler)
		}
		if s.cors != nil {
			handler = s.corsMiddleware(handler)
		}
		return securityHeaders(handler)
	}
}

// RequirePermission guards a single route
func (s *SecurityMiddleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	return s.auth.RequirePermission(perm)
}

// Authenticator is used by the CLI to mint operator tokens
func (s *SecurityMiddleware) Authenticator() *security.Authenticator {
	return s.auth
}

// Validator returns the payload validator, or nil when disabled
func (s *SecurityMiddleware) Validator() *security.RequestValidator {
	return s.validator
}

// Auditor returns the audit logger, or nil when disabled
func (s *SecurityMiddleware) Auditor() *security.AuditLogger {
	return s.auditor
}

// Stop flushes the audit log and stops background cleanup
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats reports which components are active
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"rate_limiter_enabled": s.rateLimiter != nil,
		"validation_enabled":   s.validator != nil,
		"audit_enabled":        s.auditor != nil,
	}
	if s.auditor != nil {
		stats["audit_events_logged"] = s.auditor.GetEventCount()
		stats["audit_events_dropped"] = s.auditor.GetDroppedCount()
	}
	return stats
}

func (s *SecurityMiddleware) corsMiddleware(next http.Handler) http.Handler {
	methods := joinOr(s.cors.AllowedMethods, "GET, POST, OPTIONS")
	headers := joinOr(s.cors.AllowedHeaders, "Content-Type, Authorization, X-API-Key")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(s.cors.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Server", "tryon-router")
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	out := items[0]
	for _, item := range items[1:] {
		out += ", " + item
	}
	return out
}
