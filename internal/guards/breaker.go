package guards

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// Collaborator names the external dependency a breaker protects.
type Collaborator string

const (
	CollaboratorMemory Collaborator = "memory"
	CollaboratorKB     Collaborator = "kb"
	CollaboratorML     Collaborator = "ml"
	CollaboratorBus    Collaborator = "bus"
	CollaboratorDB     Collaborator = "db"
	CollaboratorLLM    Collaborator = "llm"
)

// BreakerRegistry holds one gobreaker.CircuitBreaker per collaborator,
// constructed once at startup so there are no process-wide mutable
// singletons beyond the registry itself.
type BreakerRegistry struct {
	breakers map[Collaborator]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a breaker for every collaborator with the
// given failure threshold and cooldown.
func NewBreakerRegistry(failureThreshold uint32, cooldown time.Duration) *BreakerRegistry {
	reg := &BreakerRegistry{breakers: make(map[Collaborator]*gobreaker.CircuitBreaker)}
	for _, c := range []Collaborator{CollaboratorMemory, CollaboratorKB, CollaboratorML, CollaboratorBus, CollaboratorDB, CollaboratorLLM} {
		name := c
		reg.breakers[c] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(c),
			MaxRequests: 1, // single probe while HALF_OPEN
			Interval:    0,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failureThreshold
			},
			OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
				log.Warn().
					Str("collaborator", string(name)).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		})
	}
	return reg
}

// Execute runs fn guarded by the named collaborator's breaker. When the
// breaker is open the call short-circuits with CIRCUIT_OPEN without
// invoking fn.
func (r *BreakerRegistry) Execute(ctx context.Context, c Collaborator, fn func(ctx context.Context) (any, error)) (any, error) {
	b, ok := r.breakers[c]
	if !ok {
		return fn(ctx)
	}
	result, err := b.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fraud.Wrap(fraud.CircuitOpen, err)
		}
		return nil, err
	}
	return result, nil
}

// Healthy reports whether the named collaborator's breaker is CLOSED
// or HALF_OPEN, used by the /health endpoint.
func (r *BreakerRegistry) Healthy(c Collaborator) bool {
	b, ok := r.breakers[c]
	if !ok {
		return true
	}
	return b.State() != gobreaker.StateOpen
}

// AllHealthy reports whether every registered breaker is CLOSED or
// HALF_OPEN.
func (r *BreakerRegistry) AllHealthy() bool {
	for c := range r.breakers {
		if !r.Healthy(c) {
			return false
		}
	}
	return true
}

// State returns the current state name for a collaborator, for /metrics.
func (r *BreakerRegistry) State(c Collaborator) string {
	b, ok := r.breakers[c]
	if !ok {
		return "unknown"
	}
	return b.State().String()
}

// Collaborators lists all registered collaborator names.
func (r *BreakerRegistry) Collaborators() []Collaborator {
	out := make([]Collaborator, 0, len(r.breakers))
	for c := range r.breakers {
		out = append(out, c)
	}
	return out
}
