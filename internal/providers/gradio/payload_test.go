package gradio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileData(t *testing.T) {
	assert.Equal(t, "data:image/jpeg;base64,QUJD", NewFileData("QUJD").URL)
	assert.Equal(t, "data:image/png;base64,QUJD", NewFileData("data:image/png;base64,QUJD").URL)
	assert.Equal(t, "https://cdn/x.jpg", NewFileData("https://cdn/x.jpg").URL)
	assert.Equal(t, "gradio.FileData", NewFileData("QUJD").Meta["_type"])
}

func TestBuildPayload_Styles(t *testing.T) {
	tests := []struct {
		style   string
		wantLen int
	}{
		{PayloadSimple, 2},
		{PayloadIDMVTON, 7},
		{PayloadOOTDiffusion, 7},
		{PayloadKolors, 4},
	}

	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			cfg := &Config{Name: "p", BaseURL: "https://x", Operation: "tryon", Payload: tt.style}
			cfg.ApplyDefaults()

			raw, err := json.Marshal(BuildPayload(cfg, "UEVSU09O", "R0FSTUVOVA=="))
			require.NoError(t, err)

			var decoded struct {
				Data []json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Len(t, decoded.Data, tt.wantLen)
			assert.Contains(t, string(raw), "data:image/jpeg;base64,UEVSU09O")
			assert.Contains(t, string(raw), "data:image/jpeg;base64,R0FSTUVOVA==")
		})
	}
}

func TestBuildPayload_IDMVTONUsesImageEditor(t *testing.T) {
	cfg := &Config{Name: "p", BaseURL: "https://x", Operation: "tryon", Payload: PayloadIDMVTON, GarmentDescription: "red shirt"}
	cfg.ApplyDefaults()

	raw, err := json.Marshal(BuildPayload(cfg, "P", "G"))
	require.NoError(t, err)

	var decoded struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var editor map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(decoded.Data[0], &editor))
	assert.Contains(t, editor, "background")
	assert.Contains(t, editor, "layers")
	assert.Equal(t, `"red shirt"`, string(decoded.Data[2]))
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Name: "p", BaseURL: "https://space.hf.space/", Operation: "tryon"}
		c.ApplyDefaults()
		return c
	}

	c := valid()
	require.NoError(t, c.Validate())
	assert.Equal(t, "https://space.hf.space", c.BaseURL)
	assert.Equal(t, "/call/tryon", c.SubmitPath())
	assert.Equal(t, "/call/tryon/abc", c.PollPath("abc"))
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultMaxPollAttempts, c.MaxPollAttempts)

	tests := map[string]func(c *Config){
		"empty name":    func(c *Config) { c.Name = "" },
		"relative url":  func(c *Config) { c.BaseURL = "/space" },
		"ftp url":       func(c *Config) { c.BaseURL = "ftp://space" },
		"empty op":      func(c *Config) { c.Operation = "" },
		"nested op":     func(c *Config) { c.Operation = "a/b" },
		"bad payload":   func(c *Config) { c.Payload = "dalle" },
		"bad shape":     func(c *Config) { c.ResultShape = "video" },
		"zero attempts": func(c *Config) { c.MaxPollAttempts = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
