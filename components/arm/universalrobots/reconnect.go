package universalrobots

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// MinRetryInterval is the shortest wait between two dial attempts.
const MinRetryInterval = time.Second

// Backoff decides how long to wait before retry number attempt (starting at 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles the wait after every failed attempt, from Initial up to Max.
// MaxRetries of zero retries forever.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultBackoff is used by robot connections: 1s doubling to 30s, never giving up.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Next returns the wait before the given attempt.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	wait := b.Initial
	if wait < MinRetryInterval {
		wait = MinRetryInterval
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * multiplier)
		if b.Max > 0 && wait >= b.Max {
			return b.Max
		}
	}
	return wait
}

// Exhausted reports whether attempt is past the retry budget.
func (b ExponentialBackoff) Exhausted(attempt int) bool {
	return b.MaxRetries > 0 && attempt > b.MaxRetries
}

// IsRetryable returns true for the transport errors a dropped or rebooting controller
// produces. Anything else needs an explicit Reconnect.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.DeadlineExceeded) ||
		os.IsTimeout(err)
}
