package pollster

import (
	"math"
	"time"
)

// Backoff computes the pause between poll attempts.
type Backoff struct {
	Unit time.Duration // length of one backoff unit
	Max  int           // ceiling, in units
}

// DefaultBackoff is min(2^attempt, 30) seconds.
func DefaultBackoff() Backoff {
	return Backoff{Unit: time.Second, Max: 30}
}

// Units returns min(2^attempt, Max). Attempt 1 is the first pending
// observation. It depends only on the attempt count.
func (b Backoff) Units(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows well past any sane ceiling.
	if attempt >= 30 {
		return b.Max
	}
	return min(int(math.Pow(2, float64(attempt))), b.Max)
}

// Delay returns Units(attempt) expressed in Unit.
func (b Backoff) Delay(attempt int) time.Duration {
	return time.Duration(b.Units(attempt)) * b.Unit
}

// PollBackoff is the delay of DefaultBackoff for the given attempt.
func PollBackoff(attempt int) time.Duration {
	return DefaultBackoff().Delay(attempt)
}
