package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/tryon-router/internal/cache"
	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/middleware"
	"github.com/tributary-ai/tryon-router/internal/providers/gradio"
	"github.com/tributary-ai/tryon-router/internal/routing"
	"github.com/tributary-ai/tryon-router/internal/security"
	"github.com/tributary-ai/tryon-router/internal/server"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Orchestrator routing.Config   `yaml:"orchestrator"`
	Health       health.Config    `yaml:"health"`
	Providers    []*gradio.Config `yaml:"providers"`
	Cache        CacheConfig      `yaml:"cache"`
	Logging      LoggingConfig    `yaml:"logging"`
	Security     SecurityConfig   `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// CacheConfig holds the optional result cache
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys           []string                    `yaml:"api_keys"`
	AdminAPIKeys      []string                    `yaml:"admin_api_keys"`
	JWTSecret         string                      `yaml:"jwt_secret"`
	JWTExpiry         time.Duration               `yaml:"jwt_expiry"`
	RateLimiting      security.RateLimitConfig    `yaml:"rate_limiting"`
	CORS              middleware.CORSConfig       `yaml:"cors"`
	RequestValidation security.ValidationConfig   `yaml:"request_validation"`
	Audit             security.AuditConfig        `yaml:"audit"`
	OpenAPI           middleware.ValidationConfig `yaml:"openapi_validation"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	config.loadFromEnv()

	for _, p := range config.Providers {
		p.ApplyDefaults()
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:        "8080",
		ReadTimeout: 30 * time.Second,
		// a request may walk every provider with retries
		WriteTimeout:   15 * time.Minute,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Orchestrator = routing.Config{
		MaxRetries:     routing.DefaultMaxRetries,
		AttemptTimeout: routing.DefaultAttemptTimeout,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
		ProbeTimeout:   routing.DefaultProbeTimeout,
	}

	c.Health = health.Config{
		DegradedThreshold:    health.DefaultDegradedThreshold,
		UnavailableThreshold: health.DefaultUnavailableThreshold,
	}

	c.Providers = DefaultProviders()

	c.Cache = CacheConfig{
		Enabled: false,
		TTL:     cache.DefaultTTL,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: 24 * time.Hour,
		RateLimiting: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 30,
			BurstSize:         10,
			CleanupInterval:   5 * time.Minute,
			IdleTimeout:       10 * time.Minute,
		},
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
		},
		RequestValidation: security.ValidationConfig{
			MaxRequestSize: 25 << 20, // 25MB, two base64 images
			MaxImageBytes:  10 << 20,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			ContentTypes:   []string{"application/json"},
		},
		Audit: security.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
		OpenAPI: middleware.ValidationConfig{
			Enabled:  true,
			SpecPath: middleware.DefaultSpecPath,
		},
	}
}

// DefaultProviders are the hosted Gradio spaces tried in priority order
func DefaultProviders() []*gradio.Config {
	return []*gradio.Config{
		{
			Name:        "IDM-VTON",
			BaseURL:     "https://yisol-idm-vton.hf.space/gradio_api",
			Operation:   "tryon",
			Priority:    1,
			Payload:     gradio.PayloadIDMVTON,
			ResultShape: gradio.ShapeAuto,
		},
		{
			Name:        "Kolors",
			BaseURL:     "https://kwai-kolors-kolors-virtual-try-on.hf.space/gradio_api",
			Operation:   "tryon",
			Priority:    2,
			Payload:     gradio.PayloadKolors,
			ResultShape: gradio.ShapeAuto,
		},
		{
			Name:        "OOTDiffusion",
			BaseURL:     "https://levihsu-ootdiffusion.hf.space/gradio_api",
			Operation:   "process_dc",
			Priority:    3,
			Payload:     gradio.PayloadOOTDiffusion,
			ResultShape: gradio.ShapeGallery,
		},
	}
}

// loadFromFile loads configuration from YAML file. A providers list in the
// file replaces the defaults entirely.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	// Server configuration
	if port := os.Getenv("TRYON_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	// Hugging Face token for spaces without their own
	if token := os.Getenv("HF_TOKEN"); token != "" {
		for _, p := range c.Providers {
			if p.Token == "" {
				p.Token = token
			}
		}
	}

	// Logging configuration
	if level := os.Getenv("TRYON_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("TRYON_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if redisURL := os.Getenv("TRYON_ROUTER_REDIS_URL"); redisURL != "" {
		c.Cache.RedisURL = redisURL
		c.Cache.Enabled = true
	}

	if secret := os.Getenv("TRYON_ROUTER_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	// Validate server port
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	// Validate logging level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator max_retries cannot be negative")
	}

	if c.Cache.Enabled && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache is enabled but redis_url is empty")
	}

	// Validate provider configurations
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("provider entry cannot be empty")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	openapi := c.Security.OpenAPI
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
		OpenAPI:        &openapi,
	}
}

// ToOrchestratorConfig returns the failover settings
func (c *Config) ToOrchestratorConfig() routing.Config {
	return c.Orchestrator
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	rateLimit := c.Security.RateLimiting
	validation := c.Security.RequestValidation
	audit := c.Security.Audit
	cors := c.Security.CORS

	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:      c.Security.APIKeys,
			AdminAPIKeys: c.Security.AdminAPIKeys,
			JWTSecret:    c.Security.JWTSecret,
			JWTExpiry:    c.Security.JWTExpiry,
			RequireAuth:  len(c.Security.APIKeys) > 0 || len(c.Security.AdminAPIKeys) > 0 || c.Security.JWTSecret != "",
		},
		RateLimit:  &rateLimit,
		Validation: &validation,
		Audit:      &audit,
		CORS:       &cors,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns provider names in configured order
func (c *Config) GetEnabledProviders() []string {
	providers := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		providers = append(providers, p.Name)
	}
	return providers
}
