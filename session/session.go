// Package session fans robot events out to downstream clients and routes their commands back
// to the robot.
package session

import (
	"context"
	"crypto/subtle"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/utils"
)

// ClientKind is the kind of application on the other end of a session.
type ClientKind string

// Known client kinds.
const (
	KindVR        ClientKind = "vr"
	KindDashboard ClientKind = "dashboard"
	KindPlugin    ClientKind = "plugin"
)

// Identity is who a session was authenticated as.
type Identity struct {
	User string     `json:"user"`
	Kind ClientKind `json:"kind,omitempty"`
}

// Sink delivers named events to one downstream client. Emit is never called concurrently for
// the same session. Sinks that also implement io.Closer are closed with their session.
type Sink interface {
	Emit(event string, payload interface{}) error
}

// Event names emitted to sinks.
const (
	EventTelemetry    = "telemetry"
	EventRawTelemetry = "raw_telemetry"
	EventResponse     = "response"
	EventState        = "state"
	EventPeers        = "peers"
	EventVideo        = "video"
)

// StatePayload is emitted on EventState.
type StatePayload struct {
	Robot string                `json:"robot"`
	State universalrobots.State `json:"state"`
	Error string                `json:"error,omitempty"`
}

// PeerState is the lightweight per-session state broadcast to every session of a robot.
type PeerState struct {
	ID        string     `json:"id"`
	User      string     `json:"user"`
	Kind      ClientKind `json:"kind,omitempty"`
	Color     string     `json:"color"`
	Position  []float64  `json:"position,omitempty"`
	Rotation  []float64  `json:"rotation,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// A Session is one authenticated downstream connection to a robot.
type Session struct {
	id       uuid.UUID
	ownerID  []byte
	identity Identity
	hue      float64
	color    colorful.Color
	hub      *Hub
	sink     Sink
	logger   logging.Logger
	limiter  *rate.Limiter

	emitMu sync.Mutex

	mu              sync.Mutex
	peer            PeerState
	deadline        time.Time
	heartbeatWindow time.Duration

	sub       *universalrobots.Subscription
	workers   utils.StoppableWorkers
	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the id of this session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Identity returns who the session belongs to.
func (s *Session) Identity() Identity {
	return s.identity
}

// Color is the hex display color assigned on join.
func (s *Session) Color() string {
	return s.color.Clamped().Hex()
}

// CheckOwnerID checks if the given owner is the same as the one on this session.
func (s *Session) CheckOwnerID(against string) bool {
	return subtle.ConstantTimeCompare([]byte(against), s.ownerID) == 1
}

// Heartbeat signals a single heartbeat to the session.
func (s *Session) Heartbeat() {
	s.mu.Lock()
	s.deadline = s.hub.opts.Clock.Now().Add(s.heartbeatWindow)
	s.mu.Unlock()
}

// Active checks if this session is still active.
func (s *Session) Active(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline.After(at)
}

// UpdatePeer replaces what this session contributes to the peers broadcast. Identity fields
// are always taken from the session.
func (s *Session) UpdatePeer(p PeerState) {
	p.ID = s.id.String()
	p.User = s.identity.User
	p.Kind = s.identity.Kind
	p.Color = s.Color()
	p.UpdatedAt = s.hub.opts.Clock.Now()
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

// Peer is this session's entry in the peers broadcast.
func (s *Session) Peer() PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Close unsubscribes the session and removes it from its hub.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// set before leaving the hub so Join can tell a session closed while joining
		s.closed.Store(true)
		s.sub.Close()
		s.workers.Stop()
		s.hub.remove(s)
		if closer, ok := s.sink.(io.Closer); ok {
			goutils.UncheckedError(closer.Close())
		}
		s.logger.Debugw("session closed", "session", s.id, "user", s.identity.User)
	})
}

func (s *Session) emit(event string, payload interface{}) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.sink.Emit(event, payload)
}

// forward relays robot events until the subscription is closed. A sink that fails ends the
// session.
func (s *Session) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			name, payload := eventPayload(ev)
			if err := s.emit(name, payload); err != nil {
				s.logger.Debugw("cannot deliver event, closing session", "session", s.id, "event", name, "error", err)
				goutils.PanicCapturingGo(s.Close)
				return
			}
		}
	}
}

func (s *Session) forwardVideo(ctx context.Context) {
	frames, unsubscribe := s.hub.opts.Video.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := s.emit(EventVideo, frame); err != nil {
				s.logger.Debugw("cannot deliver video frame", "session", s.id, "error", err)
				goutils.PanicCapturingGo(s.Close)
				return
			}
		}
	}
}

// eventPayload reshapes a robot event for clients. Telemetry snapshots are shared, not
// copied, so every session of a tick sees the same value.
func eventPayload(ev universalrobots.Event) (string, interface{}) {
	switch ev.Kind {
	case universalrobots.EventTelemetry:
		return EventTelemetry, ev.Telemetry
	case universalrobots.EventRawTelemetry:
		return EventRawTelemetry, ev.Raw
	case universalrobots.EventResponse:
		return EventResponse, string(ev.Raw)
	default:
		payload := StatePayload{Robot: ev.Robot, State: ev.State}
		if ev.Err != nil {
			payload.Error = ev.Err.Error()
		}
		return EventState, payload
	}
}
