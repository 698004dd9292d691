// Package universalrobots maintains the TCP session to a Universal Robots controller. It
// splits the byte stream into realtime telemetry and script replies, publishes both to
// subscribers, and sends URScript on behalf of downstream clients.
package universalrobots

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
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots/realtime"
	"go.viam.com/urbridge/components/arm/universalrobots/urscript"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/utils"
)

// ErrNotConnected is returned when writing to a robot whose socket is not up.
var ErrNotConnected = errors.New("robot is not connected")

const (
	// DefaultPort is the realtime client interface of the controller.
	DefaultPort = 30003

	defaultTelemetryInterval = 40 * time.Millisecond
	defaultDialTimeout       = 5 * time.Second
	outboundTraceSize        = 64
	readBufferSize           = 16 * realtime.FrameSize
)

// State is where a Connection is in its lifecycle.
type State int

// Connection states. Robot links only leave Connecting for Connected or Disconnected; Failed
// is used by auxiliary channels with a retry budget.
const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config describes one robot.
type Config struct {
	Name    string
	Host    string
	Port    int
	Virtual bool

	TelemetryInterval time.Duration
	DialTimeout       time.Duration
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cfg.Host == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "host")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return goutils.NewConfigValidationError(path, errors.Errorf("invalid port %d", cfg.Port))
	}
	return nil
}

// Address is host:port of the controller.
func (cfg Config) Address() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Dialer opens the robot socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customizes a Connection.
type Option func(*Connection)

// WithClock replaces the wall clock driving the telemetry tick and retry waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clock = clk }
}

// WithDialer replaces the net.Dialer used to reach the controller.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithClassifier replaces the frame size heuristic.
func WithClassifier(classifier realtime.Classifier) Option {
	return func(c *Connection) { c.classifier = classifier }
}

// WithBackoff replaces the retry schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Connection) { c.backoff = b }
}

// WithOnLeave registers a hook called every time an established socket closes.
func WithOnLeave(f func(*Connection)) Option {
	return func(c *Connection) { c.onLeave = f }
}

// Connection is the session to one robot controller.
type Connection struct {
	cfg        Config
	logger     logging.Logger
	clock      clock.Clock
	dialer     Dialer
	classifier realtime.Classifier
	backoff    Backoff
	replies    *ReplyChannel
	onLeave    func(*Connection)

	events    *broadcaster
	reconnect chan struct{}
	attempts  atomic.Int64
	paused    atomic.Bool

	mu             sync.Mutex
	workers        utils.StoppableWorkers
	state          State
	conn           net.Conn
	latest         []byte
	fresh          bool
	lastErr        error
	connectedSince time.Time
	outbound       []string

	writeMu sync.Mutex
}

// NewConnection returns a connection in the Connecting state. Nothing is dialed until Start.
// replies may be nil for connections that never need a callback.
func NewConnection(cfg Config, replies *ReplyChannel, logger logging.Logger, opts ...Option) *Connection {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = defaultTelemetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c := &Connection{
		cfg:        cfg,
		logger:     logger,
		clock:      clock.New(),
		dialer:     &net.Dialer{},
		classifier: realtime.DefaultClassifier,
		backoff:    DefaultBackoff(),
		replies:    replies,
		events:     newBroadcaster(),
		reconnect:  make(chan struct{}, 1),
		state:      StateConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name is the configured robot name.
func (c *Connection) Name() string {
	return c.cfg.Name
}

// Config returns the configuration the connection was built with.
func (c *Connection) Config() Config {
	return c.cfg
}

// Start dials the robot in the background and starts the telemetry tick. It returns
// immediately; watch EventState to learn when the socket is up.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		return
	}
	c.workers = utils.NewStoppableWorkers(ctx, c.run, c.tickLoop)
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that ended the last socket, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectedSince is when the current socket was established, zero when not connected.
func (c *Connection) ConnectedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedSince
}

// Attempts counts every dial made so far.
func (c *Connection) Attempts() int {
	return int(c.attempts.Load())
}

// Paused reports whether the last program toggle sent was a pause.
func (c *Connection) Paused() bool {
	return c.paused.Load()
}

// Subscribe starts delivering events. A subscriber that falls more than buffer events
// behind misses events rather than slowing the robot link.
func (c *Connection) Subscribe(buffer int) *Subscription {
	return c.events.subscribe(buffer)
}

// Subscribers counts the open subscriptions.
func (c *Connection) Subscribers() int {
	return c.events.count()
}

// Outbound returns the most recent instructions written to the robot, oldest first.
func (c *Connection) Outbound() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.outbound...)
}

// Send writes text to the robot without waiting for any acknowledgement.
func (c *Connection) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "cannot set write deadline")
	}
	if _, err := io.WriteString(conn, text); err != nil {
		return errors.Wrapf(err, "cannot write to robot %q", c.cfg.Name)
	}

	c.mu.Lock()
	c.outbound = append(c.outbound, text)
	if len(c.outbound) > outboundTraceSize {
		c.outbound = c.outbound[len(c.outbound)-outboundTraceSize:]
	}
	c.mu.Unlock()
	c.logger.CDebugw(ctx, "sent", "robot", c.cfg.Name, "text", text)
	return nil
}

// SendWithReply runs script on the robot and returns what it sent back. The robot is told to
// call back on the local address of its own socket.
func (c *Connection) SendWithReply(ctx context.Context, script urscript.ReplyScript) ([]byte, error) {
	if c.replies == nil {
		return nil, errors.New("connection has no reply channel")
	}
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, ErrNotConnected
	}
	var host string
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
	}
	return c.replies.Exchange(ctx, c, host, script)
}

// Pause sends the pause toggle.
func (c *Connection) Pause(ctx context.Context) error {
	if err := c.Send(ctx, urscript.PauseProgram); err != nil {
		return err
	}
	c.paused.Store(true)
	return nil
}

// Resume sends the resume toggle.
func (c *Connection) Resume(ctx context.Context) error {
	if err := c.Send(ctx, urscript.ResumeProgram); err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

// Reconnect wakes a connection waiting in Disconnected, or skips the current retry wait.
func (c *Connection) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Close stops the background workers, closes the socket and every subscription. It must not
// be called from an onLeave hook.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	workers := c.workers
	c.mu.Unlock()

	if workers != nil {
		workers.Stop()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.conn = nil
	c.latest = nil
	c.fresh = false
	c.connectedSince = time.Time{}
	c.mu.Unlock()
	c.events.close()
	c.logger.CDebugw(ctx, "connection closed", "robot", c.cfg.Name)
	return nil
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	if changed {
		c.events.publish(Event{Kind: EventState, Robot: c.cfg.Name, Time: c.clock.Now(), State: state, Err: err})
	}
}

// run is the connect/read state machine.
func (c *Connection) run(ctx context.Context) {
	failures := 0
	everConnected := false
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, nil)
		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			everConnected = true
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if c.cfg.Virtual {
				// the backing instance is released by the owner on leave
				c.logger.Infow("virtual robot left", "robot", c.cfg.Name, "error", err)
				return
			}
			if IsRetryable(err) {
				c.logger.Warnw("robot connection dropped, reconnecting", "robot", c.cfg.Name, "error", err)
				if !c.wait(ctx, c.backoff.Next(1)) {
					return
				}
				continue
			}
		} else if ctx.Err() != nil {
			return
		}

		if IsRetryable(err) || (c.cfg.Virtual && !everConnected) {
			failures++
			wait := c.backoff.Next(failures)
			c.logger.Debugw("cannot reach robot, retrying", "robot", c.cfg.Name, "attempt", failures, "wait", wait, "error", err)
			if !c.wait(ctx, wait) {
				return
			}
			continue
		}

		c.logger.Errorw("robot connection failed, waiting for reconnect", "robot", c.cfg.Name, "error", err)
		c.setState(StateDisconnected, err)
		select {
		case <-ctx.Done():
			return
		case <-c.reconnect:
			failures = 0
		}
	}
}

// wait sleeps on the connection clock. Reconnect cuts it short.
func (c *Connection) wait(ctx context.Context, d time.Duration) bool {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-c.reconnect:
		return true
	}
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	c.attempts.Inc()
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to robot %q (%s)", c.cfg.Name, c.cfg.Address())
	}
	return conn, nil
}

// serve owns conn until it fails and returns the error that ended it.
func (c *Connection) serve(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		goutils.UncheckedError(conn.Close())
		return ctx.Err()
	}
	c.conn = conn
	c.connectedSince = c.clock.Now()
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Infow("connected to robot", "robot", c.cfg.Name, "address", c.cfg.Address())
	c.setState(StateConnected, nil)

	// net.Conns do not take a context; closing unblocks the reader
	stop := context.AfterFunc(ctx, func() { goutils.UncheckedError(conn.Close()) })
	err := c.read(conn)
	stop()
	goutils.UncheckedError(conn.Close())

	c.mu.Lock()
	c.conn = nil
	c.latest = nil
	c.fresh = false
	c.connectedSince = time.Time{}
	c.mu.Unlock()
	c.paused.Store(false)
	c.setState(StateDisconnected, err)
	if c.onLeave != nil {
		c.onLeave(c)
	}
	return err
}

func (c *Connection) read(conn net.Conn) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.handleData(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

// handleData routes one chunk read from the socket. Realtime frames replace any frame the
// tick has not consumed yet; everything else is published right away.
func (c *Connection) handleData(chunk []byte) {
	if c.classifier.Classify(chunk) == realtime.KindRealtime {
		size := realtime.FrameSize
		if framer, ok := c.classifier.(realtime.Framer); ok {
			size = framer.FrameLen()
		}
		frame := realtime.LastFrame(chunk, size)
		if frame == nil {
			frame = chunk
		}
		latest := make([]byte, len(frame))
		copy(latest, frame)

		c.mu.Lock()
		c.latest = latest
		c.fresh = true
		c.mu.Unlock()
		return
	}

	payload := make([]byte, len(chunk))
	copy(payload, chunk)
	c.events.publish(Event{Kind: EventResponse, Robot: c.cfg.Name, Time: c.clock.Now(), Raw: payload})
}

func (c *Connection) tickLoop(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick publishes the newest frame once, first raw and then decoded. Without a new frame
// since the last tick it does nothing.
func (c *Connection) tick() {
	c.mu.Lock()
	if !c.fresh {
		c.mu.Unlock()
		return
	}
	frame := c.latest
	c.fresh = false
	c.mu.Unlock()

	now := c.clock.Now()
	c.events.publish(Event{Kind: EventRawTelemetry, Robot: c.cfg.Name, Time: now, Raw: frame})
	// the field table only describes frames of exactly FrameSize bytes
	if len(frame) != realtime.FrameSize {
		c.logger.Debugw("not decoding frame of foreign size", "robot", c.cfg.Name, "size", len(frame))
		return
	}
	snap, err := realtime.Decode(frame)
	if err != nil {
		c.logger.Debugw("dropping undecodable frame", "robot", c.cfg.Name, "error", err)
		return
	}
	c.events.publish(Event{Kind: EventTelemetry, Robot: c.cfg.Name, Time: now, Telemetry: snap})
}
