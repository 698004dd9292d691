package vnc

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/logging"
)

const banner = "RFB 003.008\n"

type refusingDialer struct{}

func (refusingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
}

// fakeServer greets every connection with the version banner and reports what each client
// answers.
func fakeServer(t *testing.T) (int, <-chan string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { listener.Close() })

	answers := make(chan string, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := conn.Write([]byte(banner)); err != nil {
					return
				}
				buf := make([]byte, len(banner))
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
				answers <- string(buf)
				// hold the connection until the client leaves
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port, answers
}

type client struct {
	conn net.Conn
	done chan error
}

func serveClient(relay *Relay) *client {
	local, remote := net.Pipe()
	c := &client{conn: local, done: make(chan error, 1)}
	go func() {
		c.done <- relay.Serve(context.Background(), remote)
	}()
	return c
}

func (c *client) handshake(t *testing.T, answers <-chan string) {
	t.Helper()
	test.That(t, c.conn.SetDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	buf := make([]byte, len(banner))
	_, err := io.ReadFull(c.conn, buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf), test.ShouldEqual, banner)

	_, err = c.conn.Write([]byte(banner))
	test.That(t, err, test.ShouldBeNil)
	select {
	case got := <-answers:
		test.That(t, got, test.ShouldEqual, banner)
	case <-time.After(5 * time.Second):
		t.Fatal("no client bytes relayed")
	}
}

func TestRelayGreetsEveryClient(t *testing.T) {
	port, answers := fakeServer(t)
	relay := NewRelay(Config{Name: "ur5e", Host: "127.0.0.1", Port: port}, logging.NewTestLogger(t))
	defer relay.Close()
	test.That(t, relay.State(), test.ShouldEqual, universalrobots.StateDisconnected)

	first := serveClient(relay)
	first.handshake(t, answers)
	test.That(t, relay.State(), test.ShouldEqual, universalrobots.StateConnected)

	// a client joining once the relay is connected still sees the start of the protocol
	second := serveClient(relay)
	second.handshake(t, answers)
	test.That(t, relay.Clients(), test.ShouldEqual, 2)
	test.That(t, relay.Attempts(), test.ShouldEqual, 2)

	test.That(t, first.conn.Close(), test.ShouldBeNil)
	test.That(t, <-first.done, test.ShouldBeNil)
	test.That(t, relay.Clients(), test.ShouldEqual, 1)
	test.That(t, relay.State(), test.ShouldEqual, universalrobots.StateConnected)

	test.That(t, second.conn.Close(), test.ShouldBeNil)
	test.That(t, <-second.done, test.ShouldBeNil)
	test.That(t, relay.State(), test.ShouldEqual, universalrobots.StateDisconnected)
}

func TestRelayCloseEndsClients(t *testing.T) {
	port, answers := fakeServer(t)
	relay := NewRelay(Config{Name: "ur5e", Host: "127.0.0.1", Port: port}, logging.NewTestLogger(t))

	c := serveClient(relay)
	c.handshake(t, answers)
	test.That(t, relay.Close(), test.ShouldBeNil)
	select {
	case err := <-c.done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("client still served after close")
	}
	_, err := c.conn.Read(make([]byte, 1))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = relay.Dial(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRelayRetryBudget(t *testing.T) {
	mock := clock.NewMock()
	relay := NewRelay(Config{Name: "ur5e", Host: "10.0.0.5", MaxRetries: 3}, logging.NewTestLogger(t),
		WithClock(mock), WithDialer(refusingDialer{}))
	defer relay.Close()

	c := serveClient(relay)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(time.Minute)
		test.That(tb, relay.State(), test.ShouldEqual, universalrobots.StateFailed)
	})
	err := <-c.done
	test.That(t, errors.Is(err, ErrFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, syscall.ECONNREFUSED), test.ShouldBeTrue)
	test.That(t, relay.Attempts(), test.ShouldEqual, 4)
	test.That(t, errors.Is(relay.Err(), syscall.ECONNREFUSED), test.ShouldBeTrue)

	// failed relays stay failed
	_, err = relay.Dial(context.Background())
	test.That(t, errors.Is(err, ErrFailed), test.ShouldBeTrue)
	test.That(t, relay.Attempts(), test.ShouldEqual, 4)
	test.That(t, relay.Close(), test.ShouldBeNil)
	test.That(t, relay.State(), test.ShouldEqual, universalrobots.StateFailed)
}

func TestConfigAddress(t *testing.T) {
	test.That(t, Config{Host: "10.0.0.5"}.Address(), test.ShouldEqual, "10.0.0.5:5900")
	test.That(t, Config{Host: "10.0.0.5", Port: 5901}.Address(), test.ShouldEqual, "10.0.0.5:5901")
}
