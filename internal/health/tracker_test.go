package health

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTracker(t *testing.T, ids ...string) *Tracker {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	tracker, err := NewTracker(Config{
		DegradedThreshold:    DefaultDegradedThreshold,
		UnavailableThreshold: DefaultUnavailableThreshold,
	}, logger, ids...)
	require.NoError(t, err)
	return tracker
}

func TestNewTracker_InvalidThresholds(t *testing.T) {
	logger := logrus.New()

	tests := []struct {
		name   string
		config Config
	}{
		{"zero degraded", Config{DegradedThreshold: 0, UnavailableThreshold: 6}},
		{"unavailable below degraded", Config{DegradedThreshold: 3, UnavailableThreshold: 2}},
		{"equal thresholds", Config{DegradedThreshold: 3, UnavailableThreshold: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracker(tt.config, logger)
			assert.Error(t, err)
		})
	}
}

func TestTracker_InitialRecordsAreZero(t *testing.T) {
	tracker := createTestTracker(t, "a", "b")

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 2)
	for id, rec := range snapshot {
		assert.Equal(t, Record{}, rec, "record for %s", id)
		assert.Equal(t, StateHealthy, tracker.GetState(id))
	}
}

func TestTracker_StateThresholds(t *testing.T) {
	tracker := createTestTracker(t, "p")

	expected := []State{
		StateHealthy, StateHealthy, StateDegraded, StateDegraded,
		StateDegraded, StateUnavailable, StateUnavailable,
	}
	for i, want := range expected {
		tracker.RecordFailure("p")
		assert.Equal(t, want, tracker.GetState("p"), "after %d failures", i+1)
	}
}

func TestTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	tracker := createTestTracker(t, "p")

	for i := 0; i < 7; i++ {
		tracker.RecordFailure("p")
	}
	require.Equal(t, StateUnavailable, tracker.GetState("p"))

	tracker.RecordSuccess("p", 100*time.Millisecond)

	rec := tracker.Snapshot()["p"]
	assert.Equal(t, int64(0), rec.ConsecutiveFailures)
	assert.Equal(t, int64(7), rec.FailureCount)
	assert.Equal(t, int64(1), rec.SuccessCount)
	assert.Equal(t, StateHealthy, tracker.GetState("p"))
}

func TestTracker_AverageResponseTime(t *testing.T) {
	tracker := createTestTracker(t, "p")

	tracker.RecordSuccess("p", 100*time.Millisecond)
	tracker.RecordSuccess("p", 200*time.Millisecond)
	tracker.RecordSuccess("p", 600*time.Millisecond)

	rec := tracker.Snapshot()["p"]
	assert.InDelta(t, 300.0, rec.AvgResponseTimeMs, 0.001)
}

func TestTracker_Timestamps(t *testing.T) {
	tracker := createTestTracker(t, "p")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tracker.SetNowFunc(func() time.Time { return fixed })

	tracker.RecordFailure("p")
	rec := tracker.Snapshot()["p"]
	require.NotNil(t, rec.LastFailureAt)
	assert.Nil(t, rec.LastSuccessAt)
	assert.True(t, rec.LastFailureAt.Equal(fixed))

	tracker.RecordSuccess("p", time.Second)
	rec = tracker.Snapshot()["p"]
	require.NotNil(t, rec.LastSuccessAt)
	assert.True(t, rec.LastSuccessAt.Equal(fixed))
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tracker := createTestTracker(t, "p")
	tracker.RecordFailure("p")

	snapshot := tracker.Snapshot()
	rec := snapshot["p"]
	rec.FailureCount = 100
	*rec.LastFailureAt = time.Time{}

	fresh := tracker.Snapshot()["p"]
	assert.Equal(t, int64(1), fresh.FailureCount)
	assert.False(t, fresh.LastFailureAt.IsZero())
}

func TestTracker_ResetAll(t *testing.T) {
	tracker := createTestTracker(t, "a", "b")
	tracker.RecordFailure("a")
	tracker.RecordSuccess("b", time.Second)

	tracker.ResetAll()

	stats := tracker.Stats()
	require.Len(t, stats, 2)
	for id, s := range stats {
		assert.Equal(t, int64(0), s.SuccessCount, id)
		assert.Equal(t, int64(0), s.FailureCount, id)
		assert.Equal(t, int64(0), s.ConsecutiveFailures, id)
		assert.Nil(t, s.LastSuccess, id)
		assert.Nil(t, s.LastFailure, id)
		assert.Equal(t, string(StateHealthy), s.State, id)
	}
}

func TestTracker_UnknownProvider(t *testing.T) {
	tracker := createTestTracker(t)

	assert.Equal(t, StateHealthy, tracker.GetState("ghost"))

	tracker.RecordFailure("ghost")
	assert.Equal(t, int64(1), tracker.Snapshot()["ghost"].FailureCount)
}

func TestTracker_CountersNeverDecrease(t *testing.T) {
	tracker := createTestTracker(t, "p")

	var lastSuccess, lastFailure int64
	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			tracker.RecordSuccess("p", time.Millisecond)
		} else {
			tracker.RecordFailure("p")
		}
		rec := tracker.Snapshot()["p"]
		assert.GreaterOrEqual(t, rec.SuccessCount, lastSuccess)
		assert.GreaterOrEqual(t, rec.FailureCount, lastFailure)
		lastSuccess, lastFailure = rec.SuccessCount, rec.FailureCount
	}
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tracker := createTestTracker(t, "p")

	const workers = 50
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if w%2 == 0 {
					tracker.RecordSuccess("p", time.Millisecond)
				} else {
					tracker.RecordFailure("p")
				}
				_ = tracker.GetState("p")
			}
		}(w)
	}
	wg.Wait()

	rec := tracker.Snapshot()["p"]
	assert.Equal(t, int64(workers/2*perWorker), rec.SuccessCount)
	assert.Equal(t, int64(workers/2*perWorker), rec.FailureCount)
	assert.InDelta(t, 1.0, rec.AvgResponseTimeMs, 0.0001)
}
