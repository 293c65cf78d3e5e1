// Package breaker builds the circuit breakers that guard HTTP collaborators.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/sony/gobreaker"
)

// Settings tunes when a breaker trips.
type Settings struct {
	// MinRequests is the number of requests in the window before the ratio is considered.
	MinRequests uint32
	// FailureRatio trips the breaker once reached.
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// Interval resets the counts while closed. Zero never resets.
	Interval time.Duration
}

// DefaultSettings returns the settings used for production clients.
func DefaultSettings() Settings {
	return Settings{
		MinRequests:  10,
		FailureRatio: 0.6,
		OpenTimeout:  30 * time.Second,
		Interval:     time.Minute,
	}
}

// New returns a breaker that trips when at least MinRequests were made and
// the failure ratio reached FailureRatio. State changes are logged and
// exported as a gauge (0 closed, 1 half-open, 2 open).
func New(name string, s Settings, m *metrics.Metrics, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if m != nil {
		m.RecordCircuitBreakerState(name, int(gobreaker.StateClosed))
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: s.Interval,
		Timeout:  s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.RecordCircuitBreakerState(name, int(to))
			}
		},
	})
}

// Unavailable maps breaker rejections to swap.ErrUnavailable so workers
// retry them. Other errors are returned unchanged.
func Unavailable(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit breaker: %v", swap.ErrUnavailable, name, err)
	}
	return err
}
