package types

// ProviderInfo describes a registered backend for listing endpoints.
type ProviderInfo struct {
	ID           string `json:"id"`
	BaseURL      string `json:"base_url"`
	Operation    string `json:"operation"`
	Priority     int    `json:"priority"`
	PayloadStyle string `json:"payload_style"`
	ResultShape  string `json:"result_shape"`
}
