package types

// TryOnRequest is the body accepted by the try-on endpoint. Both images are
// base64 strings, optionally carrying a data URI prefix. The caller identity
// comes from authentication, not the body.
type TryOnRequest struct {
	ID           string `json:"id,omitempty"`
	PersonImage  string `json:"person_image"`
	GarmentImage string `json:"garment_image"`
}

// TryOnInput is what a single provider receives for one attempt.
type TryOnInput struct {
	RequestID    string
	PersonImage  string
	GarmentImage string
}
