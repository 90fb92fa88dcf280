package categorystore

import (
	"math"
	"math/rand"
	"time"
)

// calcBackoff returns an exponential delay for the given number of failures,
// capped at max, with +/-20% jitter to avoid synchronized retries.
func calcBackoff(initial, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	pow := math.Pow(2, float64(failures-1))
	backoff := time.Duration(float64(initial) * pow)
	if backoff > max || backoff <= 0 {
		backoff = max
	}

	jitterFrac := 0.2
	jitter := time.Duration(rand.Float64()*2*jitterFrac*float64(backoff)) -
		time.Duration(jitterFrac*float64(backoff))

	return backoff + jitter
}
