package types

import (
	"time"
)

// TryOnResult is the single normalized outcome of a try-on request.
// Success is true exactly when ResultImageURL and ProviderID are set and
// Error is empty.
type TryOnResult struct {
	Success          bool   `json:"success"`
	ResultImageURL   string `json:"result_image_url,omitempty"`
	ProviderID       string `json:"provider_id,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	Error            string `json:"error,omitempty"`

	// Router metadata
	RequestID string `json:"request_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
}

// NewSuccessResult builds a result that satisfies the success invariant.
func NewSuccessResult(providerID, imageURL string, elapsed time.Duration) *TryOnResult {
	return &TryOnResult{
		Success:          true,
		ResultImageURL:   imageURL,
		ProviderID:       providerID,
		ProcessingTimeMs: ElapsedMillis(elapsed),
	}
}

// NewFailureResult builds a result that satisfies the failure invariant.
func NewFailureResult(message string, elapsed time.Duration) *TryOnResult {
	return &TryOnResult{
		Success:          false,
		Error:            message,
		ProcessingTimeMs: ElapsedMillis(elapsed),
	}
}

// ElapsedMillis rounds up to whole milliseconds so that any measured work
// reports at least 1ms.
func ElapsedMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// ProviderHealthStats is the operator-facing view of one provider's
// reliability counters.
type ProviderHealthStats struct {
	State               string     `json:"state"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	SuccessCount        int64      `json:"success_count"`
	FailureCount        int64      `json:"failure_count"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms"`
}

// ReachabilityStatus reports the result of a liveness probe.
type ReachabilityStatus struct {
	ProviderID string `json:"provider_id"`
	Available  bool   `json:"available"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// Error response
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}
