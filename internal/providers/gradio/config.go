package gradio

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultMaxPollAttempts = 40
	DefaultRequestTimeout  = 30 * time.Second
)

// Config holds one Gradio-style backend. Each entry in the providers list
// of the YAML configuration decodes into one Config.
type Config struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	Operation   string `yaml:"operation"`
	Priority    int    `yaml:"priority"`
	Payload     string `yaml:"payload"`      // see payloadStyles
	ResultShape string `yaml:"result_shape"` // see resultShapes
	Token       string `yaml:"token"`

	GarmentDescription string `yaml:"garment_description"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // per HTTP call
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Payload == "" {
		c.Payload = PayloadSimple
	}
	if c.ResultShape == "" {
		c.ResultShape = ShapeAuto
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollAttempts == 0 {
		c.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.GarmentDescription == "" {
		c.GarmentDescription = "a garment"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Validate checks a defaulted config
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("provider %s: base_url must be an absolute http(s) URL, got %q", c.Name, c.BaseURL)
	}
	if c.Operation == "" || strings.Contains(c.Operation, "/") {
		return fmt.Errorf("provider %s: operation must be a single path segment, got %q", c.Name, c.Operation)
	}
	if _, ok := payloadStyles[c.Payload]; !ok {
		return fmt.Errorf("provider %s: unknown payload style %q", c.Name, c.Payload)
	}
	if _, ok := resultShapes[c.ResultShape]; !ok {
		return fmt.Errorf("provider %s: unknown result shape %q", c.Name, c.ResultShape)
	}
	if c.PollInterval < 0 || c.MaxPollAttempts < 1 || c.RequestTimeout <= 0 {
		return fmt.Errorf("provider %s: poll_interval, max_poll_attempts and request_timeout must be positive", c.Name)
	}
	return nil
}

// SubmitPath is the job submission path relative to BaseURL
func (c *Config) SubmitPath() string {
	return "/call/" + c.Operation
}

// PollPath is the event stream path for one job
func (c *Config) PollPath(eventID string) string {
	return "/call/" + c.Operation + "/" + url.PathEscape(eventID)
}
