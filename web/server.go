// Package web serves robot sessions, status and VNC screens to downstream clients over
// websockets.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/urbridge/components/vnc"
	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/robot"
	"go.viam.com/urbridge/session"
)

const defaultWriteTimeout = 10 * time.Second

// Robots is what the server needs from the robot manager.
type Robots interface {
	Hub(ctx context.Context, name string) (*session.Hub, error)
	VNC(name string) (*vnc.Relay, error)
	Status() []robot.Status
}

// Options configure a Server.
type Options struct {
	Network config.Network
	// Auth defaults to an AnonymousAuthenticator.
	Auth         Authenticator
	WriteTimeout time.Duration
}

// Server routes HTTP and websocket requests to robots.
type Server struct {
	robots       Robots
	auth         Authenticator
	logger       logging.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	handler      http.Handler
}

// NewServer returns a server for robots.
func NewServer(robots Robots, opts Options, logger logging.Logger) *Server {
	s := &Server{
		robots:       robots,
		auth:         opts.Auth,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
	}
	if s.auth == nil {
		s.auth = AnonymousAuthenticator{}
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	origins := opts.Network.CORSOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || lo.Contains(origins, origin)
		},
	}

	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(pat.Get("/robots"), s.serveStatus)
	mux.HandleFunc(pat.Get("/robots/:name/ws"), s.serveSession)
	mux.HandleFunc(pat.Get("/robots/:name/vnc"), s.serveVNC)

	corsHandler := cors.AllowAll()
	if len(origins) > 0 {
		corsHandler = cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet},
			AllowedHeaders:   []string{"Authorization"},
			AllowCredentials: true,
		})
	}
	s.handler = corsHandler.Handler(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.robots.Status()); err != nil {
		s.logger.CDebugw(r.Context(), "cannot write status", "error", err)
	}
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, robot.ErrUnknownRobot), errors.Is(err, robot.ErrNoVNC):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.httpError(w, err)
		return
	}
	hub, err := s.robots.Hub(r.Context(), name)
	if err != nil {
		s.logger.CDebugw(r.Context(), "cannot attach session", "robot", name, "error", err)
		s.httpError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.CDebugw(r.Context(), "websocket upgrade failed", "robot", name, "error", err)
		return
	}
	sink := newSink(conn, codecFor(r), s.writeTimeout)
	sess, err := hub.Join(identity, sink)
	if err != nil {
		goutils.UncheckedError(sink.closeWith(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer sess.Close()
	serveSession(sess, conn, sink, s.logger)
}

// serveVNC bridges binary websocket messages to a new connection to the robot's VNC server.
func (s *Server) serveVNC(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	if _, err := s.auth.Authenticate(r); err != nil {
		s.httpError(w, err)
		return
	}
	relay, err := s.robots.VNC(name)
	if err != nil {
		s.httpError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.CDebugw(r.Context(), "websocket upgrade failed", "robot", name, "error", err)
		return
	}
	stream := &wsStream{conn: conn, sink: newSink(conn, JSON, s.writeTimeout)}
	if err := relay.Serve(context.Background(), stream); err != nil {
		s.logger.Debugw("vnc connection ended", "robot", name, "error", err)
		goutils.UncheckedError(stream.sink.closeWith(websocket.CloseTryAgainLater, err.Error()))
	}
}

// RunWeb serves robots on the configured address until ctx is done.
func RunWeb(ctx context.Context, robots Robots, cfg *config.Config, logger logging.Logger) error {
	listener, err := net.Listen("tcp", cfg.Network.Address())
	if err != nil {
		return err
	}
	return Serve(ctx, listener, NewServer(robots, Options{
		Network: cfg.Network,
		Auth:    NewAuthenticator(cfg.Auth),
	}, logger), logger)
}

// Serve serves handler on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, logger logging.Logger) error {
	httpServer := &http.Server{
		Addr:              listener.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           handler,
	}

	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Errorw("error shutting down", "error", err)
		}
	})
	logger.Infow("serving", "address", "http://"+listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
