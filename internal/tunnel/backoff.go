package tunnel

import (
	"math"
	"math/rand"
	"time"

	"github.com/relay-dev/relay/internal/protocol"
)

// CalculateBackoff computes the delay before the next reconnection attempt
// using exponential backoff with jitter: 1s base, doubling, capped at 60s,
// plus 10-20% jitter.
func CalculateBackoff(attempt int) time.Duration {
	base := float64(protocol.BackoffBaseMs) * math.Pow(float64(protocol.BackoffMultiplier), float64(attempt))
	delay := math.Min(base, float64(protocol.BackoffMaxMs))
	jitter := delay * (protocol.BackoffJitterMin + rand.Float64()*(protocol.BackoffJitterMax-protocol.BackoffJitterMin))
	return time.Duration(delay+jitter) * time.Millisecond
}
