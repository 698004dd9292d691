package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/components/arm/universalrobots/urscript"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/utils"
)

// ErrHubClosed is returned when joining a hub that was torn down.
var ErrHubClosed = errors.New("robot hub is closed")

// ErrSessionClosed is returned by Join when the session failed before it was attached.
var ErrSessionClosed = errors.New("session closed while joining")

// Robot is what a hub needs from a robot connection.
type Robot interface {
	Name() string
	State() universalrobots.State
	Subscribe(buffer int) *universalrobots.Subscription
	Send(ctx context.Context, text string) error
	SendWithReply(ctx context.Context, script urscript.ReplyScript) ([]byte, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// VideoSource publishes encoded frames from a robot camera.
type VideoSource interface {
	Subscribe() (<-chan []byte, func())
}

// Options tune a Hub. Zero values pick the defaults.
type Options struct {
	// Virtual hubs call OnEmpty when their last session leaves.
	Virtual bool
	OnEmpty func()

	BroadcastInterval time.Duration
	HeartbeatWindow   time.Duration
	EventBuffer       int
	CommandRate       rate.Limit
	CommandBurst      int
	Video             VideoSource
	Clock             clock.Clock
}

const (
	defaultBroadcastInterval = 100 * time.Millisecond
	defaultHeartbeatWindow   = 30 * time.Second
	defaultEventBuffer       = 64
	defaultCommandRate       = rate.Limit(50)
	defaultCommandBurst      = 20
)

func (o *Options) applyDefaults() {
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = defaultBroadcastInterval
	}
	if o.HeartbeatWindow <= 0 {
		o.HeartbeatWindow = defaultHeartbeatWindow
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.CommandRate <= 0 {
		o.CommandRate = defaultCommandRate
	}
	if o.CommandBurst <= 0 {
		o.CommandBurst = defaultCommandBurst
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Hub is the namespace of every session attached to one robot.
type Hub struct {
	robot  Robot
	logger logging.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	palette  *palette
	closed   bool
	workers  utils.StoppableWorkers
}

// NewHub starts the peers broadcast for robot.
func NewHub(robot Robot, logger logging.Logger, opts Options) *Hub {
	opts.applyDefaults()
	h := &Hub{
		robot:    robot,
		logger:   logger,
		opts:     opts,
		sessions: map[uuid.UUID]*Session{},
		palette:  newPalette(),
	}
	h.workers = utils.NewStoppableWorkers(context.Background(), h.broadcastLoop)
	return h
}

// Robot is the robot this hub serves.
func (h *Hub) Robot() Robot {
	return h.robot
}

// Join attaches a client. The session immediately receives the robot state and then every
// robot event until it is closed.
func (h *Hub) Join(identity Identity, sink Sink) (*Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	hue := h.palette.next()
	h.mu.Unlock()

	s := &Session{
		id:              uuid.New(),
		ownerID:         []byte(identity.User),
		identity:        identity,
		hue:             hue,
		color:           colorFor(hue),
		hub:             h,
		sink:            sink,
		logger:          h.logger,
		limiter:         rate.NewLimiter(h.opts.CommandRate, h.opts.CommandBurst),
		heartbeatWindow: h.opts.HeartbeatWindow,
		sub:             h.robot.Subscribe(h.opts.EventBuffer),
	}
	s.UpdatePeer(PeerState{})
	s.Heartbeat()

	abort := func(err error) (*Session, error) {
		s.sub.Close()
		if s.workers != nil {
			s.workers.Stop()
		}
		h.mu.Lock()
		h.palette.release(hue)
		h.mu.Unlock()
		return nil, err
	}
	if err := s.emit(EventState, StatePayload{Robot: h.robot.Name(), State: h.robot.State()}); err != nil {
		return abort(err)
	}
	s.workers = utils.NewStoppableWorkers(context.Background(), s.forward)
	if h.opts.Video != nil {
		s.workers.Add(s.forwardVideo)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return abort(ErrHubClosed)
	}
	if s.closed.Load() {
		// the sink failed before the session was listed, so Close could not remove it
		h.mu.Unlock()
		return abort(ErrSessionClosed)
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.logger.Infow("session joined", "robot", h.robot.Name(), "session", s.id, "user", identity.User, "kind", identity.Kind)
	return s, nil
}

// Session looks a session up by id.
func (h *Hub) Session(id uuid.UUID) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Sessions returns the attached sessions ordered by id.
func (h *Hub) Sessions() []*Session {
	h.mu.Lock()
	sessions := lo.Values(h.sessions)
	h.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id.String() < sessions[j].id.String()
	})
	return sessions
}

// Len counts the attached sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Peers is the current peers broadcast payload.
func (h *Hub) Peers() []PeerState {
	return lo.Map(h.Sessions(), func(s *Session, _ int) PeerState {
		return s.Peer()
	})
}

// Close ends every session and stops the broadcast. OnEmpty is not called.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := lo.Values(h.sessions)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	h.workers.Stop()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	h.palette.release(s.hue)
	empty := len(h.sessions) == 0 && !h.closed
	h.mu.Unlock()

	h.logger.Infow("session left", "robot", h.robot.Name(), "session", s.id, "user", s.identity.User)
	if empty && h.opts.Virtual && h.opts.OnEmpty != nil {
		// may tear this hub down, so it must not run on a hub worker
		goutils.PanicCapturingGo(h.opts.OnEmpty)
	}
}

// broadcastLoop sends the peers state to every session on a fixed interval, independently of
// telemetry. Sessions that stopped heartbeating are dropped here too.
func (h *Hub) broadcastLoop(ctx context.Context) {
	ticker := h.opts.Clock.Ticker(h.opts.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	sessions := h.Sessions()
	if len(sessions) == 0 {
		return
	}
	now := h.opts.Clock.Now()
	peers := lo.Map(sessions, func(s *Session, _ int) PeerState { return s.Peer() })
	for _, s := range sessions {
		if !s.Active(now) {
			h.logger.Infow("session missed heartbeats", "session", s.id, "user", s.identity.User)
			s.Close()
			continue
		}
		if err := s.emit(EventPeers, peers); err != nil {
			h.logger.Debugw("cannot deliver peers", "session", s.id, "error", err)
		}
	}
}
