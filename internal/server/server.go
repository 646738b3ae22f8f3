package server

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/cache"
	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/middleware"
	"github.com/tributary-ai/tryon-router/internal/routing"
	"github.com/tributary-ai/tryon-router/internal/security"
	"github.com/tributary-ai/tryon-router/internal/types"
)

// BusyMessage is what callers see when every provider failed. The
// per-provider detail goes to the log and the audit trail.
const BusyMessage = "All try-on systems are busy right now. Please try again later."

const maxRequestIDLength = 128

// Server represents the HTTP server
type Server struct {
	orchestrator         *routing.Orchestrator
	cache                cache.ResultCache
	httpServer           *http.Server
	handler              http.Handler
	logger               *logrus.Logger
	config               *ServerConfig
	securityMiddleware   *middleware.SecurityMiddleware
	validationMiddleware *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	OpenAPI        *middleware.ValidationConfig         `yaml:"openapi"`
}

// NewServer creates a new server instance. resultCache may be nil.
func NewServer(orchestrator *routing.Orchestrator, resultCache cache.ResultCache, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		orchestrator: orchestrator,
		cache:        resultCache,
		logger:       logger,
		config:       config,
	}

	securityConfig := config.Security
	if securityConfig == nil {
		securityConfig = &middleware.SecurityMiddlewareConfig{}
	}
	securityMiddleware, err := middleware.NewSecurityMiddleware(securityConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
	}
	server.securityMiddleware = securityMiddleware

	validationMiddleware, err := middleware.NewValidationMiddleware(config.OpenAPI, logger)
	if err != nil {
		securityMiddleware.Stop()
		return nil, fmt.Errorf("failed to initialize OpenAPI validation: %w", err)
	}
	server.validationMiddleware = validationMiddleware

	server.handler = server.buildHandler()
	return server, nil
}

// Handler returns the full middleware chain and routes
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Security exposes the security chain, e.g. for minting operator tokens
func (s *Server) Security() *middleware.SecurityMiddleware {
	return s.securityMiddleware
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting try-on router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping try-on router server")

	s.securityMiddleware.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// buildHandler wraps the router so the chain also runs for requests mux
// would reject, such as CORS preflights. Outermost first: request id,
// logging, security, content type, OpenAPI validation.
func (s *Server) buildHandler() http.Handler {
	var handler http.Handler = s.setupRoutes()
	handler = s.validationMiddleware.Middleware(handler)
	handler = s.contentTypeMiddleware(handler)
	handler = s.securityMiddleware.Handler()(handler)
	handler = s.loggingMiddleware(handler)
	return s.requestIDMiddleware(handler)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// API routes
	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/try-on", s.handleTryOn).Methods("POST")

	// Health and provider management
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	api.Handle("/health/reset",
		s.securityMiddleware.RequirePermission(security.PermissionHealthReset)(http.HandlerFunc(s.handleHealthReset)),
	).Methods("POST")
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/reachability", s.handleReachability).Methods("GET")
	api.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")

	// Liveness endpoint (no /v1 prefix)
	r.HandleFunc("/health", s.handleLiveness).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := types.WithRequestID(r.Context(), requestID)
		ctx = types.WithClientIP(ctx, security.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  types.RequestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			if contentType := r.Header.Get("Content-Type"); contentType != "" {
				mediaType, _, err := mime.ParseMediaType(contentType)
				if err != nil || mediaType != "application/json" {
					s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleTryOn runs one try-on request through the cache and the failover
// orchestrator
func (s *Server) handleTryOn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req types.TryOnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if validator := s.securityMiddleware.Validator(); validator != nil {
		if result := validator.ValidateTryOnRequest(&req); !result.Valid {
			security.WriteValidationError(w, result.Errors)
			return
		}
	} else if req.PersonImage == "" || req.GarmentImage == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "person_image and garment_image are required")
		return
	}

	ctx := r.Context()
	if req.ID != "" && len(req.ID) <= maxRequestIDLength {
		ctx = types.WithRequestID(ctx, req.ID)
	}
	requestID := types.RequestIDFromContext(ctx)
	log := s.logger.WithField("request_id", requestID)

	if cached := s.lookupCache(ctx, &req, log); cached != nil {
		cached.RequestID = requestID
		cached.ProcessingTimeMs = types.ElapsedMillis(time.Since(start))
		s.audit(ctx, cached)
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	result := s.orchestrator.Execute(ctx, req.PersonImage, req.GarmentImage)
	s.audit(ctx, result)

	if !result.Success {
		log.WithFields(logrus.Fields{
			"attempts":    result.Attempts,
			"duration_ms": result.ProcessingTimeMs,
			"detail":      result.Error,
		}).Error("Try-on request failed on every provider")

		response := *result
		response.Error = BusyMessage
		s.writeJSON(w, http.StatusServiceUnavailable, &response)
		return
	}

	s.storeCache(ctx, &req, result, log)
	s.writeJSON(w, http.StatusOK, result)
}

// lookupCache returns a cached success, or nil. Cache errors are not fatal.
func (s *Server) lookupCache(ctx context.Context, req *types.TryOnRequest, log *logrus.Entry) *types.TryOnResult {
	if s.cache == nil {
		return nil
	}

	entry, err := s.cache.Get(ctx, req.PersonImage, req.GarmentImage)
	if err != nil {
		log.WithError(err).Warn("Result cache lookup failed")
		return nil
	}
	if entry == nil {
		return nil
	}

	log.WithField("provider", entry.ProviderID).Debug("Result cache hit")
	return &types.TryOnResult{
		Success:        true,
		ResultImageURL: entry.ResultImageURL,
		ProviderID:     entry.ProviderID,
		Cached:         true,
	}
}

func (s *Server) storeCache(ctx context.Context, req *types.TryOnRequest, result *types.TryOnResult, log *logrus.Entry) {
	if s.cache == nil {
		return
	}

	entry := &cache.Entry{
		ProviderID:     result.ProviderID,
		ResultImageURL: result.ResultImageURL,
		CachedAt:       time.Now(),
	}
	if err := s.cache.Set(ctx, req.PersonImage, req.GarmentImage, entry); err != nil {
		log.WithError(err).Warn("Failed to cache try-on result")
	}
}

func (s *Server) audit(ctx context.Context, result *types.TryOnResult) {
	if auditor := s.securityMiddleware.Auditor(); auditor != nil {
		auditor.LogTryOn(ctx, result)
	}
}

// handleStatus returns health counters for every provider
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.orchestrator.GetProviderHealthStats(),
		"timestamp": time.Now().Unix(),
	})
}

// handleHealthReset clears every provider's health record
func (s *Server) handleHealthReset(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.ResetProviderHealth()

	ids := make([]string, 0)
	for _, p := range s.orchestrator.Providers() {
		ids = append(ids, p.ID)
	}
	if auditor := s.securityMiddleware.Auditor(); auditor != nil {
		auditor.LogHealthReset(r.Context(), ids)
	}
	s.logger.WithField("request_id", types.RequestIDFromContext(r.Context())).Info("Provider health reset")

	s.handleStatus(w, r)
}

// handleHealthCheck returns overall health status. The service is
// unavailable only when every provider is.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := s.orchestrator.GetProviderHealthStats()

	states := make(map[string]string, len(stats))
	healthy, unavailable := 0, 0
	for id, st := range stats {
		states[id] = st.State
		switch st.State {
		case string(health.StateHealthy):
			healthy++
		case string(health.StateUnavailable):
			unavailable++
		}
	}

	status := "degraded"
	switch {
	case unavailable == len(stats):
		status = "unavailable"
	case healthy == len(stats):
		status = "healthy"
	}

	statusCode := http.StatusOK
	if status == "unavailable" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    status,
		"providers": states,
		"timestamp": time.Now().Unix(),
	})
}

// handleListProviders lists all registered providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.orchestrator.Providers()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"count":     len(providers),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, stats, ok := s.orchestrator.Provider(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("provider %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": info,
		"health":   stats,
	})
}

// handleReachability probes every provider without touching health records
func (s *Server) handleReachability(w http.ResponseWriter, r *http.Request) {
	statuses := s.orchestrator.CheckAllProvidersReachable(r.Context())

	reachable := 0
	for _, st := range statuses {
		if st.Available {
			reachable++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": statuses,
		"reachable": reachable,
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    "api_error",
			Code:    statusCode,
		},
		Timestamp: time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
