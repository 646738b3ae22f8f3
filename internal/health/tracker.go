package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// State is derived from consecutive failures on every read and never stored.
type State string

const (
	StateHealthy     State = "healthy"
	StateDegraded    State = "degraded"
	StateUnavailable State = "unavailable"
)

// Default thresholds for consecutive failures
const (
	DefaultDegradedThreshold    = 3
	DefaultUnavailableThreshold = 6
)

// Config holds the state thresholds
type Config struct {
	DegradedThreshold    int64 `yaml:"degraded_threshold"`
	UnavailableThreshold int64 `yaml:"unavailable_threshold"`
}

// Validate checks 0 < degraded < unavailable
func (c Config) Validate() error {
	if c.DegradedThreshold <= 0 {
		return fmt.Errorf("degraded threshold must be positive, got %d", c.DegradedThreshold)
	}
	if c.UnavailableThreshold <= c.DegradedThreshold {
		return fmt.Errorf("unavailable threshold (%d) must exceed degraded threshold (%d)",
			c.UnavailableThreshold, c.DegradedThreshold)
	}
	return nil
}

// Record is the reliability state of one provider.
type Record struct {
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	AvgResponseTimeMs   float64
}

// Tracker keeps one Record per provider for the life of the process. It is
// the only shared mutable state on the request path and is safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	config  Config
	logger  *logrus.Logger
	nowFunc func() time.Time // for testing
}

// NewTracker creates a tracker with zeroed records for every provider id.
func NewTracker(config Config, logger *logrus.Logger, providerIDs ...string) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}

	t := &Tracker{
		records: make(map[string]*Record, len(providerIDs)),
		config:  config,
		logger:  logger,
		nowFunc: time.Now,
	}
	for _, id := range providerIDs {
		t.records[id] = &Record{}
	}
	return t, nil
}

// SetNowFunc overrides the time source (for testing).
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	t.nowFunc = fn
	t.mu.Unlock()
}

// recordLocked returns the record for id, creating it for providers that
// were not known at construction. Caller MUST hold t.mu.
func (t *Tracker) recordLocked(id string) *Record {
	rec, ok := t.records[id]
	if !ok {
		rec = &Record{}
		t.records[id] = rec
		t.logger.WithField("provider", id).Warn("Health record created for unregistered provider")
	}
	return rec
}

// RecordSuccess counts a success, clears the failure streak and folds the
// latency into the running mean.
func (t *Tracker) RecordSuccess(providerID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordLocked(providerID)
	rec.SuccessCount++
	rec.ConsecutiveFailures = 0

	latencyMs := float64(latency) / float64(time.Millisecond)
	rec.AvgResponseTimeMs += (latencyMs - rec.AvgResponseTimeMs) / float64(rec.SuccessCount)

	now := t.nowFunc()
	rec.LastSuccessAt = &now
}

// RecordFailure counts a failure and extends the failure streak.
func (t *Tracker) RecordFailure(providerID string) {
	t.mu.Lock()
	rec := t.recordLocked(providerID)
	rec.FailureCount++
	rec.ConsecutiveFailures++
	now := t.nowFunc()
	rec.LastFailureAt = &now
	streak := rec.ConsecutiveFailures
	t.mu.Unlock()

	if streak == t.config.UnavailableThreshold {
		t.logger.WithFields(logrus.Fields{
			"provider":             providerID,
			"consecutive_failures": streak,
		}).Warn("Provider marked unavailable")
	}
}

// GetState classifies a provider. Unknown providers are healthy.
func (t *Tracker) GetState(providerID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[providerID]
	if !ok {
		return StateHealthy
	}
	return t.classify(rec.ConsecutiveFailures)
}

func (t *Tracker) classify(consecutive int64) State {
	switch {
	case consecutive >= t.config.UnavailableThreshold:
		return StateUnavailable
	case consecutive >= t.config.DegradedThreshold:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Snapshot returns a deep copy of every record.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		cp := *rec
		if rec.LastSuccessAt != nil {
			ts := *rec.LastSuccessAt
			cp.LastSuccessAt = &ts
		}
		if rec.LastFailureAt != nil {
			ts := *rec.LastFailureAt
			cp.LastFailureAt = &ts
		}
		snapshot[id] = cp
	}
	return snapshot
}

// Stats returns the snapshot in its caller-facing shape, state included.
func (t *Tracker) Stats() map[string]types.ProviderHealthStats {
	snapshot := t.Snapshot()
	stats := make(map[string]types.ProviderHealthStats, len(snapshot))
	for id, rec := range snapshot {
		stats[id] = types.ProviderHealthStats{
			State:               string(t.classify(rec.ConsecutiveFailures)),
			LastSuccess:         rec.LastSuccessAt,
			LastFailure:         rec.LastFailureAt,
			SuccessCount:        rec.SuccessCount,
			FailureCount:        rec.FailureCount,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			AvgResponseTimeMs:   rec.AvgResponseTimeMs,
		}
	}
	return stats
}

// ResetAll zeroes every record. Intended for operators and tests; it is
// never called from the request path.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	for id := range t.records {
		t.records[id] = &Record{}
	}
	count := len(t.records)
	t.mu.Unlock()

	t.logger.WithField("providers", count).Info("Provider health reset")
}
