package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSubmission means the backend rejected the job or returned no event id.
	// No polling happens after it.
	ErrSubmission = errors.New("submission failed")

	// ErrProcessing means the job ran but the backend emitted an error event.
	ErrProcessing = errors.New("processing failed on server")

	// ErrPollTimeout means the poll ceiling was reached without a terminal event.
	ErrPollTimeout = errors.New("timed out waiting for result")
)

// TransientPollError is a single failed poll request. It is logged and the
// poll loop continues.
type TransientPollError struct {
	EventID string
	Attempt int
	Err     error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("poll %d for event %s failed: %v", e.Attempt, e.EventID, e.Err)
}

func (e *TransientPollError) Unwrap() error {
	return e.Err
}

// ProviderFailure is the last error seen from one provider in a request.
type ProviderFailure struct {
	ProviderID string
	Message    string
}

func (f ProviderFailure) String() string {
	return f.ProviderID + ": " + f.Message
}

// ExhaustedError is returned when no provider produced a result.
type ExhaustedError struct {
	Failures []ProviderFailure
	Elapsed  time.Duration
}

// Summary joins every provider failure with "; ".
func (e *ExhaustedError) Summary() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("all providers exhausted after %dms", e.Elapsed.Milliseconds())
	}
	return fmt.Sprintf("all providers exhausted after %dms: %s", e.Elapsed.Milliseconds(), e.Summary())
}
