package router

import (
	"sync"
	"time"
)

// StateChangeFunc observes breaker transitions of a backend.
type StateChangeFunc func(backend string, from, to CircuitState)

// HealthTracker manages circuit breakers for all backends.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
	onChange              StateChangeFunc
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// OnStateChange registers fn for breakers created afterwards.
func (ht *HealthTracker) OnStateChange(fn StateChangeFunc) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.onChange = fn
}

// GetBreaker returns (or lazily creates) the circuit breaker for a backend.
func (ht *HealthTracker) GetBreaker(backend string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[backend]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[backend]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	cb.now = ht.now
	if fn := ht.onChange; fn != nil {
		cb.onChange = func(from, to CircuitState) { fn(backend, from, to) }
	}
	ht.breakers[backend] = cb
	return cb
}

// IsAvailable returns true if the backend's circuit breaker allows requests.
func (ht *HealthTracker) IsAvailable(backend string) bool {
	return ht.GetBreaker(backend).Allow()
}

// State peeks at the backend's breaker without claiming a half-open probe.
func (ht *HealthTracker) State(backend string) CircuitState {
	return ht.GetBreaker(backend).State()
}

func (ht *HealthTracker) RecordSuccess(backend string) {
	ht.GetBreaker(backend).RecordSuccess()
}

func (ht *HealthTracker) RecordFailure(backend string) {
	ht.GetBreaker(backend).RecordFailure()
}

func (ht *HealthTracker) Abandon(backend string) {
	ht.GetBreaker(backend).Abandon()
}

// Snapshot returns the state of every known backend.
func (ht *HealthTracker) Snapshot() map[string]string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	out := make(map[string]string, len(ht.breakers))
	for name, cb := range ht.breakers {
		out[name] = cb.State().String()
	}
	return out
}
