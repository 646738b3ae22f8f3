package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	MaxRequestSize int64    `yaml:"max_request_size"`
	MaxImageBytes  int      `yaml:"max_image_bytes"`
	AllowedMethods []string `yaml:"allowed_methods"`
	ContentTypes   []string `yaml:"allowed_content_types"`
	IPAllowlist    []string `yaml:"ip_allowlist"`
	IPBlocklist    []string `yaml:"ip_blocklist"`
}

// RequestValidator checks transport-level properties of requests and the
// shape of try-on payloads
type RequestValidator struct {
	config    *ValidationConfig
	logger    *logrus.Logger
	allowNets []*net.IPNet
	blockNets []*net.IPNet
}

// ValidationResult contains the result of request validation
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// NewRequestValidator parses the IP lists; entries may be addresses or CIDRs
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 25 << 20
	}
	if config.MaxImageBytes <= 0 {
		config.MaxImageBytes = 10 << 20
	}
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(config.ContentTypes) == 0 {
		config.ContentTypes = []string{"application/json"}
	}

	v := &RequestValidator{config: config, logger: logger}

	var err error
	if v.allowNets, err = parseNets(config.IPAllowlist); err != nil {
		return nil, fmt.Errorf("invalid ip allowlist: %w", err)
	}
	if v.blockNets, err = parseNets(config.IPBlocklist); err != nil {
		return nil, fmt.Errorf("invalid ip blocklist: %w", err)
	}
	return v, nil
}

// ValidateRequest checks method, declared size, content type and client IP
func (v *RequestValidator) ValidateRequest(ctx context.Context, r *http.Request) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if !containsFold(v.config.AllowedMethods, r.Method) {
		result.fail("Method %s not allowed", r.Method)
	}
	if r.ContentLength > v.config.MaxRequestSize {
		result.fail("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize)
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		contentType := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
		if contentType != "" && !containsFold(v.config.ContentTypes, contentType) {
			result.fail("Content-Type %s not allowed", contentType)
		}
	}

	ip := net.ParseIP(ClientIP(r))
	if len(v.allowNets) > 0 && !inNets(ip, v.allowNets) {
		result.fail("IP %s not allowed", ClientIP(r))
	}
	if inNets(ip, v.blockNets) {
		result.fail("IP %s is blocked", ClientIP(r))
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"client_ip": ClientIP(r),
			"errors":    result.Errors,
		}).Warn("Request validation failed")
	}
	return result
}

// ValidateTryOnRequest checks both images are present, decodable and
// within MaxImageBytes once decoded
func (v *RequestValidator) ValidateTryOnRequest(req *types.TryOnRequest) *ValidationResult {
	result := &ValidationResult{Valid: true}
	v.checkImage(result, "person_image", req.PersonImage)
	v.checkImage(result, "garment_image", req.GarmentImage)
	return result
}

func (v *RequestValidator) checkImage(result *ValidationResult, field, value string) {
	if strings.TrimSpace(value) == "" {
		result.fail("%s is required", field)
		return
	}

	// remote images are fetched by the backend
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return
	}

	payload := value
	if strings.HasPrefix(payload, "data:") {
		i := strings.Index(payload, ",")
		if i < 0 || !strings.Contains(payload[:i], ";base64") {
			result.fail("%s is not a base64 data URI", field)
			return
		}
		if !strings.HasPrefix(payload, "data:image/") {
			result.fail("%s must be an image", field)
			return
		}
		payload = payload[i+1:]
	}

	if base64.StdEncoding.DecodedLen(len(payload)) > v.config.MaxImageBytes {
		result.fail("%s exceeds %d bytes", field, v.config.MaxImageBytes)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		result.fail("%s is not valid base64", field)
	}
}

// ValidationMiddleware rejects requests failing ValidateRequest with 400
func (v *RequestValidator) ValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := v.ValidateRequest(r.Context(), r)
			if !result.Valid {
				WriteValidationError(w, result.Errors)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, v.config.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	}
}

// WriteValidationError writes the 400 envelope with per-field details
func WriteValidationError(w http.ResponseWriter, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": "Request validation failed",
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": details,
		},
		"timestamp": time.Now().Unix(),
	})
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("%q is not an IP address", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func inNets(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// containsFold reports whether s is in list; an empty list allows anything
func containsFold(list []string, s string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
