// Package vnc relays the teach pendant screen of a robot controller to browser clients. The
// VNC protocol itself is passed through untouched.
package vnc

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/logging"
)

// DefaultPort is the VNC server port of a controller.
const DefaultPort = 5900

const (
	defaultMaxRetries  = 5
	defaultDialTimeout = 5 * time.Second
	readBufferSize     = 32 << 10
)

// ErrFailed is returned by Dial once the relay has used up its retry budget.
var ErrFailed = errors.New("vnc relay failed")

// Config describes where the VNC server of a robot is.
type Config struct {
	Name       string
	Host       string
	Port       int
	MaxRetries int
}

// Address is host:port of the VNC server.
func (cfg Config) Address() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Option customizes a Relay.
type Option func(*Relay)

// WithClock replaces the clock used between dial attempts.
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) { r.clock = clk }
}

// WithDialer replaces the net.Dialer used to reach the server.
func WithDialer(d universalrobots.Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

// Relay connects clients to a VNC server. Every client gets its own server connection, since
// the protocol handshake happens once per connection.
type Relay struct {
	cfg     Config
	logger  logging.Logger
	clock   clock.Clock
	dialer  universalrobots.Dialer
	backoff universalrobots.ExponentialBackoff

	ctx    context.Context
	cancel context.CancelFunc

	attempts atomic.Int64

	mu      sync.Mutex
	state   universalrobots.State
	lastErr error
	active  int
	closed  bool
}

// NewRelay returns a relay that dials only when a client is served. Once a dial fails
// MaxRetries times in a row the relay moves to StateFailed and stays there.
func NewRelay(cfg Config, logger logging.Logger, opts ...Option) *Relay {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	backoff := universalrobots.DefaultBackoff()
	backoff.MaxRetries = cfg.MaxRetries
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.New(),
		dialer:  &net.Dialer{Timeout: defaultDialTimeout},
		backoff: backoff,
		ctx:     ctx,
		cancel:  cancel,
		state:   universalrobots.StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State is where the relay is in its lifecycle. It is connected while any client is served.
func (r *Relay) State() universalrobots.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err is the error that caused the last failed dial or disconnect.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Attempts counts every dial made so far.
func (r *Relay) Attempts() int {
	return int(r.attempts.Load())
}

// Clients is the number of clients being served.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Dial opens a new connection to the server, retrying with backoff.
func (r *Relay) Dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	failures := 0
	for {
		r.mu.Lock()
		switch {
		case r.closed:
			r.mu.Unlock()
			return nil, errors.Errorf("vnc relay of %q is closed", r.cfg.Name)
		case r.state == universalrobots.StateFailed:
			err := r.lastErr
			r.mu.Unlock()
			return nil, multierr.Combine(ErrFailed, err)
		case r.active == 0:
			r.state = universalrobots.StateConnecting
		}
		r.mu.Unlock()

		r.attempts.Inc()
		dialCtx, dialCancel := context.WithTimeout(ctx, defaultDialTimeout)
		conn, err := r.dialer.DialContext(dialCtx, "tcp", r.cfg.Address())
		dialCancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			r.settle(nil)
			return nil, ctx.Err()
		}

		failures++
		if r.backoff.Exhausted(failures) {
			r.logger.Errorw("giving up on vnc server", "robot", r.cfg.Name, "attempts", failures, "error", err)
			r.mu.Lock()
			r.state = universalrobots.StateFailed
			r.lastErr = err
			r.mu.Unlock()
			return nil, multierr.Combine(ErrFailed, err)
		}
		r.logger.Debugw("cannot reach vnc server, retrying", "robot", r.cfg.Name, "error", err)
		r.settle(err)
		timer := r.clock.Timer(r.backoff.Next(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// settle records err and moves an idle, unfailed relay back to disconnected.
func (r *Relay) settle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
	}
	if r.active == 0 && r.state != universalrobots.StateFailed {
		r.state = universalrobots.StateDisconnected
	}
}

// Serve dials the server for client and copies bytes both ways until either side ends. Once
// the server is reached the client is closed on return.
func (r *Relay) Serve(ctx context.Context, client io.ReadWriteCloser) error {
	server, err := r.Dial(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active++
	r.state = universalrobots.StateConnected
	r.mu.Unlock()
	r.logger.Infow("vnc client connected", "robot", r.cfg.Name, "address", r.cfg.Address())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	closed := make(chan struct{})
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			close(closed)
			goutils.UncheckedError(server.Close())
			goutils.UncheckedError(client.Close())
		})
	}
	stopRelay := context.AfterFunc(r.ctx, cancel)
	stopCtx := context.AfterFunc(ctx, closeBoth)

	var wg sync.WaitGroup
	var upErr, downErr error
	wg.Add(2)
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		defer cancel()
		downErr = copyLoop(server, client, closed)
	})
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		defer cancel()
		upErr = copyLoop(client, server, closed)
	})
	wg.Wait()
	stopCtx()
	stopRelay()
	closeBoth()

	r.mu.Lock()
	r.active--
	if r.active == 0 && r.state != universalrobots.StateFailed {
		r.state = universalrobots.StateDisconnected
	}
	r.mu.Unlock()
	r.logger.Infow("vnc client disconnected", "robot", r.cfg.Name)
	return errors.Wrapf(multierr.Combine(downErr, upErr), "vnc relay of %q", r.cfg.Name)
}

// copyLoop copies src to dst until either fails. Errors caused by the other side closing are
// dropped.
func copyLoop(src io.Reader, dst io.Writer, closed <-chan struct{}) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return filterError(werr, closed)
			}
		}
		if err != nil {
			return filterError(err, closed)
		}
	}
}

func filterError(err error, closed <-chan struct{}) error {
	select {
	case <-closed:
		return nil
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Close ends every served client and refuses new ones.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	return nil
}
