package web

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/session"
)

// commandQueue bounds the commands read ahead of the one being handled.
const commandQueue = 16

// wsSink writes session events to a websocket. Writes are serialized since acks and robot
// events come from different goroutines.
type wsSink struct {
	conn         *websocket.Conn
	codec        Codec
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newSink(conn *websocket.Conn, codec Codec, writeTimeout time.Duration) *wsSink {
	return &wsSink{conn: conn, codec: codec, writeTimeout: writeTimeout}
}

// Emit implements session.Sink.
func (s *wsSink) Emit(event string, payload interface{}) error {
	data, err := s.codec.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return s.write(s.codec.MessageType(), data)
}

func (s *wsSink) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a normal close frame and closes the connection, which ends the read loop.
func (s *wsSink) Close() error {
	return s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *wsSink) closeWith(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		goutils.UncheckedError(s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(s.writeTimeout),
		))
		err = s.conn.Close()
	})
	return err
}

// serveSession reads client messages until the connection ends. Commands run in order on a
// separate goroutine so heartbeats and peer updates are not held up by replies.
func serveSession(sess *session.Session, conn *websocket.Conn, sink *wsSink, logger logging.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	commands := make(chan session.Command, commandQueue)

	var wg sync.WaitGroup
	wg.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-commands:
				ack := sess.Handle(ctx, cmd)
				if err := sink.Emit(EventAck, ack); err != nil {
					logger.Debugw("cannot deliver ack", "session", sess.ID(), "error", err)
					cancel()
					return
				}
			}
		}
	}, wg.Done)
	defer func() {
		cancel()
		wg.Wait()
	}()

	malformed := func(id, reason string) bool {
		ack := session.Ack{ID: id, Code: session.CodeMalformed, Error: reason}
		return sink.Emit(EventAck, ack) == nil
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("session connection lost", "session", sess.ID(), "error", err)
			}
			return
		}
		sess.Heartbeat()

		var msg ClientMessage
		if err := sink.codec.Unmarshal(data, &msg); err != nil {
			if !malformed("", err.Error()) {
				return
			}
			continue
		}
		switch msg.Type {
		case TypeCommand:
			if msg.Command == nil {
				if !malformed("", "command message without a command") {
					return
				}
				continue
			}
			select {
			case commands <- *msg.Command:
			case <-ctx.Done():
				return
			}
		case TypePeer:
			if msg.Peer != nil {
				sess.UpdatePeer(*msg.Peer)
			}
		case TypeHeartbeat:
		default:
			if !malformed("", "unknown message type "+msg.Type) {
				return
			}
		}
	}
}

// wsStream presents the binary messages of a websocket as a byte stream.
type wsStream struct {
	conn   *websocket.Conn
	sink   *wsSink
	reader io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, reader, err := s.conn.NextReader()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			if err != nil {
				return 0, err
			}
			s.reader = reader
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.sink.write(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.sink.Close()
}
