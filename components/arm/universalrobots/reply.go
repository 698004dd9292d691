package universalrobots

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/semaphore"

	"go.viam.com/urbridge/components/arm/universalrobots/urscript"
	"go.viam.com/urbridge/logging"
)

// ErrReplyTimeout is returned when the robot did not call back in time.
var ErrReplyTimeout = errors.New("timed out waiting for robot reply")

const (
	// DefaultReplyPort is the fixed port robot-side reply snippets connect back to.
	DefaultReplyPort    = 30010
	defaultReplyTimeout = 5 * time.Second
	defaultReplyGrace   = 50 * time.Millisecond
	replyBufferSize     = 64 * 1024
)

// ReplyConfig configures the callback listener.
type ReplyConfig struct {
	// ListenHost is the local interface to bind. Empty binds every interface.
	ListenHost string
	// Port is reused by every exchange. Zero picks a free port each time.
	Port int
	// AdvertiseHost overrides the address the robot is told to call back on.
	AdvertiseHost string
	Timeout       time.Duration
	Grace         time.Duration
}

// DefaultReplyConfig listens on DefaultReplyPort with a 5s timeout and a 50ms grace period.
func DefaultReplyConfig() ReplyConfig {
	return ReplyConfig{Port: DefaultReplyPort, Timeout: defaultReplyTimeout, Grace: defaultReplyGrace}
}

// Sender writes instruction text to a robot.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// ReplyChannel runs request/callback exchanges with robots. One exchange at a time is in
// flight per process since the listening port is fixed and the controller runs one script
// at a time.
type ReplyChannel struct {
	cfg    ReplyConfig
	sem    *semaphore.Weighted
	clock  clock.Clock
	logger logging.Logger

	// trace observes listener open and close, for tests.
	trace func(string)
	// afterAccept runs between accepting a callback and handing it over, for tests.
	afterAccept func()
}

// NewReplyChannel returns a channel with its single slot free.
func NewReplyChannel(cfg ReplyConfig, logger logging.Logger, clk clock.Clock) *ReplyChannel {
	if clk == nil {
		clk = clock.New()
	}
	return &ReplyChannel{cfg: cfg.withDefaults(), sem: semaphore.NewWeighted(1), clock: clk, logger: logger}
}

func (cfg ReplyConfig) withDefaults() ReplyConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultReplyTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultReplyGrace
	}
	return cfg
}

// Config returns the listener settings in use.
func (rc *ReplyChannel) Config(ctx context.Context) (ReplyConfig, error) {
	if err := rc.sem.Acquire(ctx, 1); err != nil {
		return ReplyConfig{}, err
	}
	defer rc.sem.Release(1)
	return rc.cfg, nil
}

// Reconfigure replaces the listener settings. It holds the slot while doing so, which means
// waiting for the exchange in flight to finish.
func (rc *ReplyChannel) Reconfigure(ctx context.Context, cfg ReplyConfig) error {
	if err := rc.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer rc.sem.Release(1)
	rc.cfg = cfg.withDefaults()
	return nil
}

func (rc *ReplyChannel) traceEvent(what string) {
	if rc.trace != nil {
		rc.trace(what)
	}
}

// Exchange sends the script rendered for a fresh callback listener through sender and
// returns the first chunk the robot writes back. host is where the robot can reach this
// process, normally the local address of the robot connection.
//
// ctx only bounds waiting for the slot. Once the listener is open the exchange runs until
// the reply arrives or the timeout fires, so a late callback can never reach the next
// exchange's listener.
func (rc *ReplyChannel) Exchange(
	ctx context.Context, sender Sender, host string, script urscript.ReplyScript,
) ([]byte, error) {
	if err := rc.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer rc.sem.Release(1)

	ln, err := net.Listen("tcp", net.JoinHostPort(rc.cfg.ListenHost, strconv.Itoa(rc.cfg.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "cannot open reply listener")
	}
	rc.traceEvent("open")
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		goutils.UncheckedError(ln.Close())
		return nil, errors.Errorf("unexpected listener address %v", ln.Addr())
	}

	var (
		connMu   sync.Mutex
		accepted net.Conn
		closing  bool
		wg       sync.WaitGroup
	)
	connected := make(chan struct{}, 1)
	payload := make(chan []byte, 1)

	wg.Add(1)
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				rc.logger.Warnw("reply listener failed", "error", err)
			}
			return
		}
		// at most one connection per exchange
		goutils.UncheckedError(ln.Close())
		if rc.afterAccept != nil {
			rc.afterAccept()
		}
		connMu.Lock()
		if closing {
			connMu.Unlock()
			goutils.UncheckedError(conn.Close())
			return
		}
		accepted = conn
		connMu.Unlock()
		connected <- struct{}{}

		buf := make([]byte, replyBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			payload <- buf[:n]
			return
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			rc.logger.Debugw("reply connection closed without data", "error", err)
		}
	})

	shutdown := func() {
		goutils.UncheckedError(ln.Close())
		connMu.Lock()
		closing = true
		if accepted != nil {
			goutils.UncheckedError(accepted.Close())
		}
		connMu.Unlock()
		wg.Wait()
		rc.traceEvent("close")
	}

	advertise := rc.cfg.AdvertiseHost
	if advertise == "" {
		advertise = host
	}
	if advertise == "" {
		advertise = addr.IP.String()
	}

	timer := rc.clock.Timer(rc.cfg.Timeout)
	defer timer.Stop()

	if err := sender.Send(ctx, script(urscript.Callback{Host: advertise, Port: addr.Port})); err != nil {
		shutdown()
		return nil, err
	}

	for {
		select {
		case <-connected:
			timer.Reset(rc.cfg.Grace)
		case data := <-payload:
			shutdown()
			return data, nil
		case <-timer.C:
			shutdown()
			return nil, ErrReplyTimeout
		}
	}
}
