package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// AuditEventType classifies audit events
type AuditEventType string

const (
	TryOnCompleted        AuditEventType = "tryon_completed"
	TryOnExhausted        AuditEventType = "tryon_exhausted"
	TryOnCacheHit         AuditEventType = "tryon_cache_hit"
	HealthReset           AuditEventType = "health_reset"
	RequestServed         AuditEventType = "request_served"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
)

// AuditEvent is one recorded event
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	UserID     string                 `json:"user_id,omitempty"`
	IPAddress  string                 `json:"ip_address"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	StatusCode int                    `json:"status_code,omitempty"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditSink receives flushed events; the default writes them to the logger
type AuditSink func(*AuditEvent)

// AuditLogger buffers events on a channel and writes them from a single
// goroutine. Events are dropped, never blocked on, when the buffer is full.
type AuditLogger struct {
	config *AuditConfig
	logger *logrus.Logger
	sink   AuditSink

	buffer chan *AuditEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	logged  atomic.Int64
	dropped atomic.Int64
}

// NewAuditLogger creates an audit logger and starts it when enabled
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config: config,
		logger: logger,
		buffer: make(chan *AuditEvent, config.BufferSize),
		done:   make(chan struct{}),
	}
	a.sink = a.writeEvent

	if config.Enabled {
		a.wg.Add(1)
		go a.process()
	}
	return a
}

// SetSink replaces the event writer; call before logging events
func (a *AuditLogger) SetSink(sink AuditSink) {
	a.sink = sink
}

// LogEvent queues an event, taking request id, client ip and caller from ctx
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.config.Enabled || a.stopped {
		return
	}

	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		RequestID: types.RequestIDFromContext(ctx),
		IPAddress: types.ClientIPFromContext(ctx),
		Message:   message,
		Details:   a.sanitizeDetails(details),
		Severity:  severityOf(eventType),
	}
	if info, ok := GetAuthInfo(ctx); ok {
		event.UserID = info.UserID
	}
	if code, ok := details["status_code"].(int); ok {
		event.StatusCode = code
	}

	select {
	case a.buffer <- event:
		a.logged.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// LogTryOn records the outcome of one try-on request
func (a *AuditLogger) LogTryOn(ctx context.Context, result *types.TryOnResult) {
	details := map[string]interface{}{
		"provider":    result.ProviderID,
		"attempts":    result.Attempts,
		"duration_ms": result.ProcessingTimeMs,
	}

	switch {
	case result.Cached:
		a.LogEvent(ctx, TryOnCacheHit, fmt.Sprintf("Try-on served from cache (%s)", result.ProviderID), details)
	case result.Success:
		a.LogEvent(ctx, TryOnCompleted, fmt.Sprintf("Try-on completed by %s", result.ProviderID), details)
	default:
		details["error"] = result.Error
		a.LogEvent(ctx, TryOnExhausted, "Try-on failed on every provider", details)
	}
}

// LogHealthReset records an operator clearing provider health
func (a *AuditLogger) LogHealthReset(ctx context.Context, providerIDs []string) {
	a.LogEvent(ctx, HealthReset, "Provider health records reset", map[string]interface{}{
		"providers": providerIDs,
	})
}

// AuditMiddleware records non-2xx responses. Successful try-ons are
// recorded by the handler with provider detail.
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			ctx := types.WithClientIP(r.Context(), ClientIP(r))
			r = r.WithContext(ctx)
			next.ServeHTTP(wrapper, r)

			eventType := eventTypeForStatus(wrapper.statusCode)
			if eventType == RequestServed {
				return
			}

			a.LogEvent(ctx, eventType, fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, wrapper.statusCode), map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"user_agent":  r.UserAgent(),
			})
		})
	}
}

// GetEventCount returns the number of events accepted
func (a *AuditLogger) GetEventCount() int64 {
	return a.logged.Load()
}

// GetDroppedCount returns the number of events dropped on a full buffer
func (a *AuditLogger) GetDroppedCount() int64 {
	return a.dropped.Load()
}

// Stop flushes queued events and stops the writer
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
}

func (a *AuditLogger) process() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, e := range batch {
			a.sink(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-a.buffer:
			batch = append(batch, e)
			if len(batch) >= cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.done:
			// producers are excluded by stopped; drain what they queued
			for {
				select {
				case e := <-a.buffer:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"user_id":     event.UserID,
		"ip_address":  event.IPAddress,
		"request_id":  event.RequestID,
		"severity":    event.Severity,
	}
	for k, v := range event.Details {
		fields["detail_"+k] = v
	}

	entry := a.logger.WithFields(fields)
	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if a.isSensitiveField(k) {
			out[k] = "***REDACTED***"
		} else {
			out[k] = v
		}
	}
	return out
}

var defaultSensitiveFields = []string{
	"password", "token", "secret", "authorization", "api_key", "x-api-key", "image",
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, s := range defaultSensitiveFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, s := range a.config.SensitiveFields {
		if strings.EqualFold(field, s) {
			return true
		}
	}
	return false
}

func severityOf(eventType AuditEventType) string {
	switch eventType {
	case AuthenticationFailure, AuthorizationFailure, HealthReset:
		return "high"
	case TryOnExhausted, RateLimitExceeded, ValidationFailure:
		return "medium"
	default:
		return "low"
	}
}

func eventTypeForStatus(code int) AuditEventType {
	switch {
	case code == http.StatusUnauthorized:
		return AuthenticationFailure
	case code == http.StatusForbidden:
		return AuthorizationFailure
	case code == http.StatusTooManyRequests:
		return RateLimitExceeded
	case code >= 400 && code < 500:
		return ValidationFailure
	default:
		return RequestServed
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
