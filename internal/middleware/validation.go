package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/security"
)

// DefaultSpecPath is the API contract shipped with the repository
const DefaultSpecPath = "docs/openapi.yaml"

// ValidationConfig configures the OpenAPI validation middleware
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// ValidationMiddleware validates requests against the OpenAPI contract.
// Routes absent from the contract pass through.
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidationMiddleware loads and validates the contract when enabled
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{logger: logger}
	if config == nil || !config.Enabled {
		logger.Debug("OpenAPI validation disabled")
		return vm, nil
	}

	specPath := config.SpecPath
	if specPath == "" {
		specPath = DefaultSpecPath
	}

	router, err := loadRouter(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	vm.router = router
	vm.enabled = true
	logger.WithField("spec_path", specPath).Info("OpenAPI validation enabled")
	return vm, nil
}

// ResolveSpecPath returns specPath if it exists, else the same path relative
// to the repository root so package tests find it too
func ResolveSpecPath(specPath string) string {
	if _, err := os.Stat(specPath); err == nil || filepath.IsAbs(specPath) {
		return specPath
	}
	rootPath := filepath.Join("..", "..", specPath)
	if _, err := os.Stat(rootPath); err == nil {
		return rootPath
	}
	return specPath
}

func loadRouter(specPath string) (routers.Router, error) {
	doc, err := openapi3.NewLoader().LoadFromFile(ResolveSpecPath(specPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", specPath, err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	// match any host; the contract's servers list is documentation only
	doc.Servers = nil

	return gorillamux.NewRouter(doc)
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request does not match API contract")
			security.WriteValidationError(w, []string{describeValidationError(err)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) {
			return nil
		}
		return err
	}

	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		defer func() { r.Body = io.NopCloser(bytes.NewReader(body)) }()
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

// describeValidationError keeps the reason without echoing request data
func describeValidationError(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		if reqErr.RequestBody != nil {
			var schemaErr *openapi3.SchemaError
			if errors.As(reqErr.Err, &schemaErr) {
				return "request body: " + schemaErr.Reason
			}
			if reqErr.Reason != "" {
				return "request body: " + reqErr.Reason
			}
			return "request body: invalid"
		}
		if reqErr.Reason != "" {
			return reqErr.Reason
		}
	}
	if errors.Is(err, routers.ErrMethodNotAllowed) {
		return "method not allowed"
	}
	return "request does not match API contract"
}
