package routing

import (
	"time"

	"github.com/tributary-ai/tryon-router/internal/health"
	"github.com/tributary-ai/tryon-router/internal/providers"
)

// Attempt is one (provider, attempt number) task in a Plan
type Attempt struct {
	Provider providers.TryOnProvider
	Number   int // 1-based within the provider

	// Final marks the provider's last attempt; its failure is the one
	// recorded against the provider's health.
	Final bool
}

// Plan is the ordered list of tasks for one Execute call
type Plan struct {
	// Provider ids in trial order
	Order []string `json:"order"`

	// Provider health states at planning time
	States map[string]health.State `json:"states"`

	Attempts []Attempt `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// buildPlan orders providers by priority, moves unavailable ones to the
// end, and expands each into 1+MaxRetries attempts.
func (o *Orchestrator) buildPlan() *Plan {
	list := o.registry.List()

	plan := &Plan{
		Order:     make([]string, 0, len(list)),
		States:    make(map[string]health.State, len(list)),
		CreatedAt: time.Now(),
	}

	var usable, unavailable []providers.TryOnProvider
	for _, p := range list {
		state := o.tracker.GetState(p.ID())
		plan.States[p.ID()] = state
		if state == health.StateUnavailable {
			unavailable = append(unavailable, p)
		} else {
			usable = append(usable, p)
		}
	}

	perProvider := 1 + o.config.MaxRetries
	for _, p := range append(usable, unavailable...) {
		plan.Order = append(plan.Order, p.ID())
		for n := 1; n <= perProvider; n++ {
			plan.Attempts = append(plan.Attempts, Attempt{
				Provider: p,
				Number:   n,
				Final:    n == perProvider,
			})
		}
	}

	return plan
}
