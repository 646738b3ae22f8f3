package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/tributary-ai/tryon-router/internal/middleware"
)

// setupSwaggerRoutes sets up Swagger UI routes for API documentation
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	// Serve OpenAPI spec
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods("GET")

	// Serve Swagger UI
	r.HandleFunc("/docs", s.serveSwaggerIndex).Methods("GET")
	r.HandleFunc("/docs/", s.serveSwaggerIndex).Methods("GET")
}

func (s *Server) specPath() string {
	path := middleware.DefaultSpecPath
	if s.config.OpenAPI != nil && s.config.OpenAPI.SpecPath != "" {
		path = s.config.OpenAPI.SpecPath
	}
	return middleware.ResolveSpecPath(path)
}

// handleOpenAPISpec serves the OpenAPI specification as YAML or JSON
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	yamlData, err := os.ReadFile(s.specPath())
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "OpenAPI spec not found")
		return
	}

	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(yamlData)
		return
	}

	var spec interface{}
	if err := yaml.Unmarshal(yamlData, &spec); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error parsing OpenAPI spec")
		return
	}

	jsonData, err := json.MarshalIndent(convertYAMLMaps(spec), "", "  ")
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error converting to JSON")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonData)
}

// convertYAMLMaps turns yaml.v2's map[interface{}]interface{} into
// JSON-encodable maps
func convertYAMLMaps(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = convertYAMLMaps(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = convertYAMLMaps(val)
		}
		return t
	default:
		return v
	}
}

// serveSwaggerIndex serves the main Swagger UI HTML page
func (s *Server) serveSwaggerIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	specURL := fmt.Sprintf("%s/docs/openapi.yaml", getBaseURL(r))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Try-On Router - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
        .custom-header { background: #1f2937; color: white; padding: 1rem 2rem; margin-bottom: 2rem; }
        .custom-header h1 { margin: 0; font-size: 1.5rem; }
        .custom-header p { margin: 0.5rem 0 0 0; opacity: 0.8; }
    </style>
</head>
<body>
    <div class="custom-header">
        <h1>Try-On Router API Documentation</h1>
        <p>Virtual try-on generation with priority failover across hosted backends</p>
    </div>
    <div id="swagger-ui"></div>

    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-standalone-preset.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
                layout: "StandaloneLayout",
                defaultModelsExpandDepth: 0,
                docExpansion: "list",
                supportedSubmitMethods: ['get', 'post'],
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`, specURL)

	w.Write([]byte(html))
}

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	// Check for forwarded headers (common in reverse proxy setups)
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
