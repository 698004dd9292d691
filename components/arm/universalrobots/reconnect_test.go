package universalrobots

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestExponentialBackoff(t *testing.T) {
	b := DefaultBackoff()
	var waits []time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		waits = append(waits, b.Next(attempt))
	}
	test.That(t, waits, test.ShouldResemble, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	})
	test.That(t, b.Exhausted(1000), test.ShouldBeFalse)

	fast := ExponentialBackoff{Initial: time.Millisecond, MaxRetries: 3}
	test.That(t, fast.Next(1), test.ShouldEqual, MinRetryInterval)
	test.That(t, fast.Exhausted(3), test.ShouldBeFalse)
	test.That(t, fast.Exhausted(4), test.ShouldBeTrue)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	for _, err := range []error{
		syscall.ECONNREFUSED,
		errors.Wrap(syscall.ECONNRESET, "read"),
		&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
		io.EOF,
		io.ErrClosedPipe,
		context.DeadlineExceeded,
		errors.Wrap(timeoutError{}, "dial"),
	} {
		test.That(t, IsRetryable(err), test.ShouldBeTrue)
	}
	test.That(t, IsRetryable(nil), test.ShouldBeFalse)
	test.That(t, IsRetryable(errors.New("no route configured")), test.ShouldBeFalse)
	test.That(t, IsRetryable(context.Canceled), test.ShouldBeFalse)
}
