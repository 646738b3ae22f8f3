package providers

import (
	"context"

	"github.com/tributary-ai/tryon-router/internal/types"
)

// Core provider interface - all try-on backends must implement
type TryOnProvider interface {
	// ID is the stable key used for health tracking and results.
	ID() string
	// Priority orders providers; lower values are tried first.
	Priority() int
	// Generate submits one job and blocks until it reaches a terminal
	// state, returning the normalized result image URL.
	Generate(ctx context.Context, in *types.TryOnInput) (string, error)
	// HealthCheck is a lightweight liveness probe.
	HealthCheck(ctx context.Context) error
	Info() types.ProviderInfo
}
