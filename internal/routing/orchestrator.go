package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/providers"
	"github.com/tributary-ai/tryon-router/internal/types"
)

const (
	DefaultMaxRetries     = 1
	DefaultAttemptTimeout = 120 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
)

// Config holds failover configuration
type Config struct {
	// Extra attempts per provider after the first
	MaxRetries int `yaml:"max_retries"`
	// Deadline for one submit+poll attempt. Every attempt gets the full
	// budget; elapsed time is not subtracted for later providers.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// Orchestrator runs failover across the registered providers
type Orchestrator struct {
	registry *providers.Registry
	tracker  *health.Tracker
	config   Config
	logger   *logrus.Logger
}

// NewOrchestrator creates a new orchestrator instance
func NewOrchestrator(registry *providers.Registry, tracker *health.Tracker, config Config, logger *logrus.Logger) *Orchestrator {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}

	return &Orchestrator{
		registry: registry,
		tracker:  tracker,
		config:   config,
		logger:   logger,
	}
}

// Execute tries providers in plan order until one succeeds. Providers are
// tried strictly one at a time and the first success wins. The caller's
// context aborts the loop; nothing else does.
//
// Health is recorded once per provider: a success, or a failure when its
// final attempt fails. A provider that fails its first attempt and succeeds
// on the retry therefore leaves no failure in its health record.
func (o *Orchestrator) Execute(ctx context.Context, personImage, garmentImage string) *types.TryOnResult {
	start := time.Now()
	requestID := types.RequestIDFromContext(ctx)
	log := o.logger.WithField("request_id", requestID)

	plan := o.buildPlan()
	log.WithFields(logrus.Fields{
		"order":  plan.Order,
		"states": plan.States,
	}).Debug("Execution plan built")

	input := &types.TryOnInput{
		RequestID:    requestID,
		PersonImage:  personImage,
		GarmentImage: garmentImage,
	}

	var failures []providers.ProviderFailure
	attempts := 0

	for _, task := range plan.Attempts {
		id := task.Provider.ID()

		if task.Number > 1 {
			delay := o.calculateBackoffDelay(task.Number - 1)
			if err := sleepContext(ctx, delay); err != nil {
				failures = append(failures, providers.ProviderFailure{ProviderID: id, Message: "request cancelled: " + err.Error()})
				break
			}
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, providers.ProviderFailure{ProviderID: id, Message: "request cancelled: " + err.Error()})
			break
		}

		attempts++
		attemptStart := time.Now()
		resultURL, err := o.runAttempt(ctx, task, input)
		latency := time.Since(attemptStart)

		if err == nil {
			o.tracker.RecordSuccess(id, latency)

			result := types.NewSuccessResult(id, resultURL, time.Since(start))
			result.RequestID = requestID
			result.Attempts = attempts

			log.WithFields(logrus.Fields{
				"provider":    id,
				"attempt":     task.Number,
				"attempts":    attempts,
				"duration_ms": result.ProcessingTimeMs,
			}).Info("Try-on completed")
			return result
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// caller gave up; the provider is not blamed
			failures = append(failures, providers.ProviderFailure{ProviderID: id, Message: "request cancelled: " + ctxErr.Error()})
			break
		}

		failures = append(failures, providers.ProviderFailure{ProviderID: id, Message: err.Error()})
		if task.Final {
			o.tracker.RecordFailure(id)
		}

		log.WithError(err).WithFields(logrus.Fields{
			"provider":    id,
			"attempt":     task.Number,
			"duration_ms": latency.Milliseconds(),
		}).Warn("Provider attempt failed")
	}

	exhausted := &providers.ExhaustedError{Failures: failures, Elapsed: time.Since(start)}
	if len(plan.Attempts) == 0 {
		exhausted.Failures = []providers.ProviderFailure{{ProviderID: "router", Message: "no providers registered"}}
	}

	log.WithError(exhausted).WithField("attempts", attempts).Error("All providers exhausted")

	result := types.NewFailureResult(exhausted.Summary(), exhausted.Elapsed)
	result.RequestID = requestID
	result.Attempts = attempts
	return result
}

// runAttempt gives one attempt its own deadline derived from ctx
func (o *Orchestrator) runAttempt(ctx context.Context, task Attempt, input *types.TryOnInput) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	result, err := task.Provider.Generate(attemptCtx, input)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: attempt exceeded %s", providers.ErrPollTimeout, o.config.AttemptTimeout)
	}
	return result, err
}

// calculateBackoffDelay returns base * 2^(retry-1), capped at RetryMaxDelay
func (o *Orchestrator) calculateBackoffDelay(retry int) time.Duration {
	if o.config.RetryBaseDelay <= 0 || retry < 1 {
		return 0
	}

	multiplier := math.Pow(2, float64(retry-1))
	delay := time.Duration(float64(o.config.RetryBaseDelay) * multiplier)

	if o.config.RetryMaxDelay > 0 && delay > o.config.RetryMaxDelay {
		delay = o.config.RetryMaxDelay
	}
	return delay
}

// GetProviderHealthStats returns the health counters of every provider
func (o *Orchestrator) GetProviderHealthStats() map[string]types.ProviderHealthStats {
	return o.tracker.Stats()
}

// ResetProviderHealth clears every provider's health record
func (o *Orchestrator) ResetProviderHealth() {
	o.tracker.ResetAll()
}

// Providers returns the registered providers in priority order
func (o *Orchestrator) Providers() []types.ProviderInfo {
	return o.registry.Infos()
}

// Provider returns one provider's info and current health, or false when
// the id is not registered
func (o *Orchestrator) Provider(id string) (types.ProviderInfo, types.ProviderHealthStats, bool) {
	p, ok := o.registry.Get(id)
	if !ok {
		return types.ProviderInfo{}, types.ProviderHealthStats{}, false
	}
	return p.Info(), o.tracker.Stats()[id], true
}

// CheckAllProvidersReachable probes every provider concurrently. Results
// keep registry order and do not touch health records.
func (o *Orchestrator) CheckAllProvidersReachable(ctx context.Context) []types.ReachabilityStatus {
	list := o.registry.List()
	results := make([]types.ReachabilityStatus, len(list))

	var wg sync.WaitGroup
	for i, p := range list {
		wg.Add(1)
		go func(i int, p providers.TryOnProvider) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, o.config.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := p.HealthCheck(probeCtx)

			status := types.ReachabilityStatus{
				ProviderID: p.ID(),
				Available:  err == nil,
				LatencyMs:  time.Since(start).Milliseconds(),
			}
			if err != nil {
				status.Error = err.Error()
				o.logger.WithError(err).WithField("provider", p.ID()).Warn("Provider unreachable")
			} else {
				o.logger.WithField("provider", p.ID()).Debug("Provider reachable")
			}
			results[i] = status
		}(i, p)
	}
	wg.Wait()

	return results
}

// sleepContext waits d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
