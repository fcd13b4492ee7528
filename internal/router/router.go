// Package router selects a retrieval strategy per query and guards each
// strategy behind an independent circuit breaker, falling back to direct
// retrieval when every preferred route is unavailable (spec §4.7).
//
// The breaker's state machine is modeled the same way the teacher's
// storage.Transaction tracks TxStatusActive/Committed/RolledBack: a typed
// string enum with explicit, mutex-guarded transitions — generalized here
// from a one-shot commit/rollback lifecycle to a failure-windowed breaker
// that can reopen and close repeatedly over the life of the process.
package router

import (
	"sync"
	"time"
)

// Route names the seven retrieval strategies a query can be dispatched to.
type Route string

const (
	RoutePatternMatch    Route = "pattern_match"
	RouteCausalForward   Route = "causal_forward"
	RouteCausalBackward  Route = "causal_backward"
	RouteTemporalCausal  Route = "temporal_causal"
	RouteHybrid          Route = "hybrid"
	RouteDirectRetrieval Route = "direct_retrieval"
	RouteAdversarial     Route = "adversarial"
)

// CircuitState is the lifecycle state of one route's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	failureWindow   = 60 * time.Second
	maxFailures     = 5 // closed tolerates up to this many failures per window; the 6th opens it
	cooldownPeriod  = 5 * time.Minute
)

// breaker is one route's failure-windowed circuit breaker.
type breaker struct {
	state        CircuitState
	failures     []time.Time // failure timestamps within the rolling window, oldest first
	openedAt     time.Time
	probeInFlight bool
}

// Router dispatches route selection and owns one breaker per route. The now
// field is overridable in tests so breaker cooldowns don't require sleeping
// real wall-clock time.
type Router struct {
	mu       sync.Mutex
	breakers map[Route]*breaker
	now      func() time.Time
}

// New constructs a Router with every route closed.
func New() *Router {
	r := &Router{breakers: make(map[Route]*breaker), now: time.Now}
	for _, route := range []Route{
		RoutePatternMatch, RouteCausalForward, RouteCausalBackward,
		RouteTemporalCausal, RouteHybrid, RouteDirectRetrieval, RouteAdversarial,
	} {
		r.breakers[route] = &breaker{state: CircuitClosed}
	}
	return r
}

func (r *Router) breakerFor(route Route) *breaker {
	b, ok := r.breakers[route]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[route] = b
	}
	return b
}

// pruneLocked drops failure timestamps that have aged out of the rolling
// window. Caller must hold r.mu.
func (b *breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-failureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// Allow reports whether route may currently be attempted: true when closed,
// true exactly once (the probe) when half-open, and true when an open
// breaker's cooldown has elapsed (transitioning it to half-open), false
// otherwise. Call RecordResult with the outcome of any attempt Allow
// permitted.
func (r *Router) Allow(route Route) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakerFor(route)
	now := r.now()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	case CircuitOpen:
		if now.Sub(b.openedAt) >= cooldownPeriod {
			b.state = CircuitHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	}
	return false
}

// RecordResult reports the outcome of an attempt that Allow permitted on
// route, advancing its breaker's state.
func (r *Router) RecordResult(route Route, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakerFor(route)
	now := r.now()

	if b.state == CircuitHalfOpen {
		b.probeInFlight = false
		if err != nil {
			b.state = CircuitOpen
			b.openedAt = now
			b.failures = nil
			return
		}
		b.state = CircuitClosed
		b.failures = nil
		return
	}

	if err == nil {
		return
	}

	b.pruneLocked(now)
	b.failures = append(b.failures, now)
	if len(b.failures) > maxFailures {
		b.state = CircuitOpen
		b.openedAt = now
	}
}

// State returns route's current breaker state.
func (r *Router) State(route Route) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerFor(route).state
}

// Select returns the first preferred route whose breaker currently allows
// an attempt, falling back to direct_retrieval when every preferred route
// is open. Select does not itself call Allow/RecordResult — callers attempt
// the chosen route via Allow immediately after selection.
func (r *Router) Select(preferred []Route) Route {
	for _, route := range preferred {
		if r.State(route) != CircuitOpen {
			return route
		}
	}
	return RouteDirectRetrieval
}
