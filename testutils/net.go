// Package testutils has fakes shared by the package tests: a TCP robot controller and frame
// builders.
package testutils

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots/realtime"
)

var waitDur = 5 * time.Second

// WaitSuccessfulDial waits for a dial attempt to succeed.
func WaitSuccessfulDial(address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitDur)
	lastErr := errors.New("timed out dialing")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return lastErr
		default:
		}
		var conn net.Conn
		conn, lastErr = net.Dial("tcp", address)
		if lastErr == nil {
			return conn.Close()
		}
	}
}

// RealtimeFrame builds a full realtime frame with the given doubles set at their byte
// offsets and message_size filled in.
func RealtimeFrame(values map[int]float64) []byte {
	buf := make([]byte, realtime.FrameSize)
	binary.BigEndian.PutUint32(buf, realtime.FrameSize)
	for offset, v := range values {
		binary.BigEndian.PutUint64(buf[offset:], math.Float64bits(v))
	}
	return buf
}

var socketOpen = regexp.MustCompile(`socket_open\("([^"]+)",(\d+),`)

// FakeRobot is a loopback controller. It accepts any number of connections, records every
// byte written to it and can answer reply scripts by calling back like a real controller.
type FakeRobot struct {
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	received strings.Builder
	accepted int
	reply    []byte
	silent   bool

	wg sync.WaitGroup
}

// NewFakeRobot listens on a free loopback port until the test ends.
func NewFakeRobot(tb testing.TB) *FakeRobot {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	r := &FakeRobot{ln: ln}
	r.wg.Add(1)
	goutils.PanicCapturingGo(r.acceptLoop)
	tb.Cleanup(r.Close)
	return r
}

// Host is the listening address.
func (r *FakeRobot) Host() string {
	return r.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port is the listening port.
func (r *FakeRobot) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

// Addr is host:port.
func (r *FakeRobot) Addr() string {
	return r.ln.Addr().String()
}

// ReplyWith makes the robot call back with payload whenever it receives a reply script.
// With connectOnly set it connects without ever writing.
func (r *FakeRobot) ReplyWith(payload []byte, connectOnly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply = payload
	r.silent = connectOnly
}

// Received returns everything written to the robot so far.
func (r *FakeRobot) Received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received.String()
}

// Accepted counts the connections accepted so far.
func (r *FakeRobot) Accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// Write sends b to every open connection.
func (r *FakeRobot) Write(b []byte) {
	r.mu.Lock()
	conns := append([]net.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, conn := range conns {
		_, _ = conn.Write(b)
	}
}

// Drop closes every open connection but keeps listening.
func (r *FakeRobot) Drop() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, conn := range conns {
		goutils.UncheckedError(conn.Close())
	}
}

// Close stops listening and drops every connection.
func (r *FakeRobot) Close() {
	goutils.UncheckedError(r.ln.Close())
	r.Drop()
	r.wg.Wait()
}

func (r *FakeRobot) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.accepted++
		r.mu.Unlock()
		r.wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer r.wg.Done()
			r.readLoop(conn)
		})
	}
}

func (r *FakeRobot) readLoop(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			r.mu.Lock()
			r.received.WriteString(text)
			reply, silent := r.reply, r.silent
			r.mu.Unlock()
			if m := socketOpen.FindStringSubmatch(text); m != nil && (reply != nil || silent) {
				port, _ := strconv.Atoi(m[2])
				r.wg.Add(1)
				goutils.PanicCapturingGo(func() {
					defer r.wg.Done()
					r.callBack(net.JoinHostPort(m[1], strconv.Itoa(port)), reply, silent)
				})
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *FakeRobot) callBack(address string, reply []byte, silent bool) {
	conn, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		return
	}
	defer func() {
		goutils.UncheckedError(conn.Close())
	}()
	if silent {
		// hold the connection until the listener gives up
		goutils.UncheckedError(conn.SetReadDeadline(time.Now().Add(10 * time.Second)))
		_, _ = conn.Read(make([]byte, 1))
		return
	}
	_, _ = conn.Write(reply)
}
