// Package breaker isolates per-connection failures. Every connection gets
// its own circuit breaker, so one provider melting down cannot poison
// calls to any other connection, including other connections to the same
// provider.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// Settings maps the breaker thresholds onto gobreaker's model.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count in half-open
	// that closes the breaker again.
	SuccessThreshold uint32
	// Timeout is how long the breaker stays open before allowing a
	// half-open probe.
	Timeout time.Duration
}

// DefaultSettings returns the production thresholds.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Registry keeps one breaker per connection id, created lazily on first
// use.
type Registry struct {
	settings Settings
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time
}

// NewRegistry builds an empty registry with the given thresholds.
func NewRegistry(settings Settings, logger *zap.Logger) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		openedAt: map[string]time.Time{},
	}
}

func (r *Registry) breakerFor(connectionID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[connectionID]; ok {
		return cb
	}

	s := r.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: connectionID,
		// MaxRequests doubles as the half-open success threshold:
		// gobreaker closes after MaxRequests consecutive successes.
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.recordTransition(name, to)
			r.logger.Warn("circuit breaker state change",
				zap.String("connection_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	r.breakers[connectionID] = cb
	return cb
}

func (r *Registry) recordTransition(connectionID string, to gobreaker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to == gobreaker.StateOpen {
		r.openedAt[connectionID] = time.Now()
	} else {
		delete(r.openedAt, connectionID)
	}
}

// remaining reports how long the breaker stays open, floored at one
// second so callers always get a usable backoff hint.
func (r *Registry) remaining(connectionID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	opened, ok := r.openedAt[connectionID]
	if !ok {
		return time.Second
	}
	left := r.settings.Timeout - time.Since(opened)
	if left < time.Second {
		return time.Second
	}
	return left
}

// Execute runs fn under the connection's breaker. When the breaker is
// open the call fails fast with CIRCUIT_OPEN carrying the remaining
// open-window as its retry hint, and fn is never invoked.
func (r *Registry) Execute(connectionID string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := r.breakerFor(connectionID).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, r.openError(connectionID)
	}
	return out, err
}

// OpenError returns the CIRCUIT_OPEN error when the connection's breaker
// is currently open, nil otherwise. Callers check it before acquiring
// resources a rejected call would waste, such as an idempotency key.
func (r *Registry) OpenError(connectionID string) error {
	if r.State(connectionID) != gobreaker.StateOpen {
		return nil
	}
	return r.openError(connectionID)
}

func (r *Registry) openError(connectionID string) error {
	return apperr.
		Newf(apperr.CodeCircuitOpen, "connection %s circuit is open", connectionID).
		WithRetryAfter(r.remaining(connectionID))
}

// State exposes the breaker's current state for health reporting and
// tests. Connections that never made a call report closed.
func (r *Registry) State(connectionID string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[connectionID]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
