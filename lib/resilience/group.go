package resilience

import (
	"context"
	"sync"
)

// Group holds one circuit breaker per authority. A nil *Group or a
// non-positive FailureThreshold disables breaking entirely.
type Group struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a group whose breakers share cfg.
func NewGroup(cfg CircuitBreakerConfig) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, g.cfg)
		g.breakers[name] = cb
	}
	return cb
}

// Execute runs fn through the breaker for name.
func (g *Group) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return fn(ctx)
	}
	return g.Get(name).Execute(ctx, fn)
}

// States returns the current state of every breaker.
func (g *Group) States() map[string]CircuitState {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make(map[string]CircuitState, len(breakers))
	for _, cb := range breakers {
		out[cb.name] = cb.State()
	}
	return out
}
