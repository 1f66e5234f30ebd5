package webhook

import (
	"time"

	libcb "github.com/LerianStudio/lib-commons/v2/commons/circuitbreaker"

	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

// webhookBreakerCooldown is how long a tripped breaker stays open before
// allowing a single probe request through.
const webhookBreakerCooldown = 30 * time.Second

// State mirrors libcb.State as a package-local type so callers outside
// this package never need to import lib-commons directly.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

func convertState(s libcb.State) State {
	switch s {
	case libcb.StateClosed:
		return StateClosed
	case libcb.StateOpen:
		return StateOpen
	case libcb.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// logStateChange adapts lib-commons' StateChangeListener callback into a
// single log line per transition, keyed by the breaker's name (the webhook
// id) so an operator can tell which endpoint tripped.
func logStateChange(logger mlog.Logger) func(name string, from, to libcb.State, counts libcb.Counts) {
	return func(name string, from, to libcb.State, counts libcb.Counts) {
		logger.Warnf("webhook circuit %q: %s -> %s (failures=%d/%d)",
			name, convertState(from), convertState(to), counts.ConsecutiveFailures, counts.Requests)
	}
}

// newBreaker builds the circuit breaker for one webhook (Service.breakerFor
// keeps one per webhook id), tripping after
// 5 consecutive failures (matching the failure-count auto-disable
// threshold) and probing again after 30 seconds.
func newBreaker(name string, logger mlog.Logger) *libcb.CircuitBreaker {
	settings := libcb.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     webhookBreakerCooldown,
		ReadyToTrip: func(counts libcb.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: logStateChange(logger),
	}
	return libcb.NewCircuitBreaker(settings)
}
