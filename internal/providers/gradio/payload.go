package gradio

import (
	"strings"
)

// Known payload styles. Each backend expects its own positional arguments.
const (
	PayloadSimple       = "simple"
	PayloadIDMVTON      = "idm-vton"
	PayloadOOTDiffusion = "ootdiffusion"
	PayloadKolors       = "kolors"
)

// FileData is how Gradio accepts an image argument.
type FileData struct {
	URL  string            `json:"url"`
	Meta map[string]string `json:"meta"`
}

// imageEditor is the input shape of an ImageEditor component.
type imageEditor struct {
	Background FileData   `json:"background"`
	Layers     []FileData `json:"layers"`
	Composite  *FileData  `json:"composite"`
}

type payloadBuilder func(person, garment FileData, cfg *Config) []interface{}

var payloadStyles = map[string]payloadBuilder{
	PayloadSimple: func(person, garment FileData, cfg *Config) []interface{} {
		return []interface{}{person, garment}
	},
	// person editor, garment, description, auto-mask, auto-crop, denoise steps, seed
	PayloadIDMVTON: func(person, garment FileData, cfg *Config) []interface{} {
		return []interface{}{
			imageEditor{Background: person, Layers: []FileData{}},
			garment,
			cfg.GarmentDescription,
			true,
			false,
			30,
			42,
		}
	},
	// person, garment, category, samples, steps, guidance scale, seed
	PayloadOOTDiffusion: func(person, garment FileData, cfg *Config) []interface{} {
		return []interface{}{person, garment, "Upper-body", 1, 20, 2, -1}
	},
	// person, garment, seed, randomize seed
	PayloadKolors: func(person, garment FileData, cfg *Config) []interface{} {
		return []interface{}{person, garment, 0, true}
	},
}

// NewFileData wraps an image reference. Bare base64 is turned into a JPEG
// data URI; data URIs and http(s) URLs pass through.
func NewFileData(image string) FileData {
	ref := strings.TrimSpace(image)
	if !strings.HasPrefix(ref, "data:") && !isRemoteURL(ref) {
		ref = "data:image/jpeg;base64," + ref
	}
	return FileData{
		URL:  ref,
		Meta: map[string]string{"_type": "gradio.FileData"},
	}
}

// BuildPayload returns the submission body for the configured style.
func BuildPayload(cfg *Config, personImage, garmentImage string) map[string]interface{} {
	build, ok := payloadStyles[cfg.Payload]
	if !ok {
		build = payloadStyles[PayloadSimple]
	}
	return map[string]interface{}{
		"data": build(NewFileData(personImage), NewFileData(garmentImage), cfg),
	}
}

func isRemoteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
