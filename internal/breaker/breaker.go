// Package breaker provides per-destination failure isolation for the message
// router. Each destination service gets its own circuit breaker so that one
// failing backend cannot poison delivery to the others.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/greyhelm/messagehub/internal/types"
)

// Settings tunes the breakers created by a Group.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe.
	ResetTimeout time.Duration

	// OnStateChange, when set, is invoked on every breaker transition.
	// Used to feed the breaker state metric.
	OnStateChange func(destination types.ServiceType, from, to gobreaker.State)
}

// Group lazily creates and tracks one circuit breaker per destination service.
// All methods are safe for concurrent use.
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[types.ServiceType]*gobreaker.CircuitBreaker[*types.ServiceResponse]
}

// NewGroup creates a Group with the given settings.
func NewGroup(settings Settings) *Group {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout == 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	return &Group{
		settings: settings,
		breakers: make(map[types.ServiceType]*gobreaker.CircuitBreaker[*types.ServiceResponse]),
	}
}

// Execute runs fn under the destination's circuit breaker. When the breaker is
// open, fn is not invoked and an AppError with code routing_circuit_open is
// returned immediately.
func (g *Group) Execute(dest types.ServiceType, fn func() (*types.ServiceResponse, error)) (*types.ServiceResponse, error) {
	resp, err := g.breaker(dest).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeCircuitOpen,
			"circuit breaker is open for destination",
			err,
			map[string]any{"destination": string(dest)},
		)
	}
	return resp, err
}

// State returns the current breaker state for a destination. Destinations that
// have never been sent to report closed.
func (g *Group) State(dest types.ServiceType) gobreaker.State {
	return g.breaker(dest).State()
}

// States returns the state of every breaker the group has created.
func (g *Group) States() map[types.ServiceType]gobreaker.State {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[types.ServiceType]gobreaker.State, len(g.breakers))
	for dest, cb := range g.breakers {
		states[dest] = cb.State()
	}
	return states
}

func (g *Group) breaker(dest types.ServiceType) *gobreaker.CircuitBreaker[*types.ServiceResponse] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[dest]; ok {
		return cb
	}

	threshold := g.settings.FailureThreshold
	onChange := g.settings.OnStateChange

	cb := gobreaker.NewCircuitBreaker[*types.ServiceResponse](gobreaker.Settings{
		Name:        string(dest),
		MaxRequests: 1, // single probe in half-open
		Timeout:     g.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(types.ServiceType(name), from, to)
			}
		},
	})
	g.breakers[dest] = cb
	return cb
}
