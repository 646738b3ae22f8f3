package gradio

import (
	"encoding/json"
	"strings"
)

// Result shapes. ShapeAuto tries every extractor in default order; a named
// shape moves its extractor to the front.
const (
	ShapeAuto    = "auto"
	ShapeString  = "string"
	ShapeFile    = "file"
	ShapeGallery = "gallery"
)

// Extractor pulls a result reference out of the first element of a
// complete event's data array.
type Extractor func(raw json.RawMessage) (string, bool)

var resultShapes = map[string]Extractor{
	ShapeAuto:    nil,
	ShapeString:  ExtractString,
	ShapeFile:    ExtractFile,
	ShapeGallery: ExtractGallery,
}

// DefaultExtractors is the order used for ShapeAuto.
var DefaultExtractors = []Extractor{ExtractString, ExtractFile, ExtractGallery}

// ExtractorsForShape returns the extractor chain for a configured shape.
func ExtractorsForShape(shape string) []Extractor {
	first, ok := resultShapes[shape]
	if !ok || first == nil {
		return DefaultExtractors
	}
	chain := []Extractor{first}
	for _, name := range []string{ShapeString, ShapeFile, ShapeGallery} {
		if name != shape {
			chain = append(chain, resultShapes[name])
		}
	}
	return chain
}

// ExtractString accepts a bare string URL or path.
func ExtractString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

type fileRef struct {
	URL   string   `json:"url"`
	Path  string   `json:"path"`
	Image *fileRef `json:"image"`
}

// ExtractFile accepts an object with a url or path field. Gallery items
// wrap the file in an "image" field.
func ExtractFile(raw json.RawMessage) (string, bool) {
	var ref fileRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", false
	}
	for r := &ref; r != nil; r = r.Image {
		if u := strings.TrimSpace(r.URL); u != "" {
			return u, true
		}
		if p := strings.TrimSpace(r.Path); p != "" {
			return p, true
		}
	}
	return "", false
}

// ExtractGallery accepts an array whose first element is a string or file
// object. Older galleries send [image, caption] pairs; the pair's first
// element is used.
func ExtractGallery(raw json.RawMessage) (string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return "", false
	}
	first := items[0]

	var pair []json.RawMessage
	if err := json.Unmarshal(first, &pair); err == nil {
		if len(pair) == 0 {
			return "", false
		}
		first = pair[0]
	}

	if s, ok := ExtractString(first); ok {
		return s, true
	}
	return ExtractFile(first)
}

// extract runs extractors in order; first match wins.
func extract(raw json.RawMessage, extractors []Extractor) (string, bool) {
	for _, ex := range extractors {
		if s, ok := ex(raw); ok {
			return s, true
		}
	}
	return "", false
}

// ResolveResultURL turns a server-side file path into a downloadable URL.
func ResolveResultURL(baseURL, ref string) string {
	if isRemoteURL(ref) || strings.HasPrefix(ref, "data:") {
		return ref
	}
	return strings.TrimRight(baseURL, "/") + "/file=" + ref
}
