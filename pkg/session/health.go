package session

import "github.com/go-go-golems/storysync/pkg/channel"

// Health is the coarse connection signal shown to users.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify maps a channel state and the count of consecutive failed pulls to a
// health value. A subscribed channel whose pulls keep failing is only degraded.
func Classify(state channel.State, fetchFailures, threshold int) Health {
	switch state {
	case channel.StateFailed:
		return HealthFailed
	case channel.StateSubscribed:
		if threshold > 0 && fetchFailures >= threshold {
			return HealthDegraded
		}
		return HealthHealthy
	default:
		return HealthDegraded
	}
}
