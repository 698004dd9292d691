package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/robot"
	"go.viam.com/urbridge/session"
	rtestutils "go.viam.com/urbridge/testutils"
	"go.viam.com/urbridge/web"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, cfg *config.Config, opts web.Options) *httptest.Server {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg.Reply = config.Reply{ListenHost: "127.0.0.1"}
	m, err := robot.NewManager(context.Background(), cfg, logger, robot.Options{})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, m.Close(context.Background()), test.ShouldBeNil)
	})
	srv := httptest.NewServer(web.NewServer(m, opts, logger))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// readEvent skips messages until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	for {
		_, data, err := conn.ReadMessage()
		test.That(t, err, test.ShouldBeNil)
		var msg envelope
		test.That(t, json.Unmarshal(data, &msg), test.ShouldBeNil)
		if msg.Event == event {
			return msg.Data
		}
	}
}

type statePayload struct {
	Robot string `json:"robot"`
	State string `json:"state"`
}

// waitConnected reads state events until the robot reports connected.
func waitConnected(t *testing.T, conn *websocket.Conn) statePayload {
	t.Helper()
	for {
		var state statePayload
		test.That(t, json.Unmarshal(readEvent(t, conn, session.EventState), &state), test.ShouldBeNil)
		if state.State == "connected" {
			return state
		}
	}
}

func readAck(t *testing.T, conn *websocket.Conn) session.Ack {
	t.Helper()
	var ack session.Ack
	test.That(t, json.Unmarshal(readEvent(t, conn, web.EventAck), &ack), test.ShouldBeNil)
	return ack
}

func TestStatus(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{
		{Name: "ur5e", Host: fake.Host(), Port: fake.Port()},
	}}, web.Options{})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		resp, err := http.Get(srv.URL + "/robots")
		test.That(tb, err, test.ShouldBeNil)
		defer resp.Body.Close()
		test.That(tb, resp.StatusCode, test.ShouldEqual, http.StatusOK)

		var statuses []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		}
		test.That(tb, json.NewDecoder(resp.Body).Decode(&statuses), test.ShouldBeNil)
		test.That(tb, statuses, test.ShouldHaveLength, 1)
		test.That(tb, statuses[0].Name, test.ShouldEqual, "ur5e")
		test.That(tb, statuses[0].State, test.ShouldEqual, "connected")
	})

	resp, err := http.Get(srv.URL + "/healthz")
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
}

func TestSessionCommands(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{
		{Name: "ur5e", Host: fake.Host(), Port: fake.Port()},
	}}, web.Options{})

	conn := dial(t, srv, "/robots/ur5e/ws?user=alice&kind=vr")
	test.That(t, waitConnected(t, conn).Robot, test.ShouldEqual, "ur5e")

	test.That(t, conn.WriteJSON(web.ClientMessage{Type: web.TypeCommand, Command: &session.Command{
		ID:     "1",
		Name:   "movej",
		Params: map[string]interface{}{"joints": []float64{0, 0, 0, 0, 0, 0}},
	}}), test.ShouldBeNil)
	ack := readAck(t, conn)
	test.That(t, ack.ID, test.ShouldEqual, "1")
	test.That(t, ack.OK, test.ShouldBeTrue)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, fake.Received(), test.ShouldContainSubstring, "movej([0,0,0,0,0,0]")
	})

	test.That(t, conn.WriteJSON(web.ClientMessage{Type: web.TypeCommand, Command: &session.Command{
		ID:   "2",
		Name: "dance",
	}}), test.ShouldBeNil)
	ack = readAck(t, conn)
	test.That(t, ack.ID, test.ShouldEqual, "2")
	test.That(t, ack.OK, test.ShouldBeFalse)
	test.That(t, ack.Code, test.ShouldEqual, session.CodeUnknownCommand)

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")), test.ShouldBeNil)
	ack = readAck(t, conn)
	test.That(t, ack.Code, test.ShouldEqual, session.CodeMalformed)

	test.That(t, conn.WriteJSON(web.ClientMessage{Type: web.TypePeer, Peer: &session.PeerState{
		Position: []float64{1, 2, 3},
	}}), test.ShouldBeNil)
	var peers []session.PeerState
	for len(peers) == 0 || peers[0].Position == nil {
		test.That(t, json.Unmarshal(readEvent(t, conn, session.EventPeers), &peers), test.ShouldBeNil)
		test.That(t, peers, test.ShouldHaveLength, 1)
	}
	test.That(t, peers[0].Position, test.ShouldResemble, []float64{1, 2, 3})
	test.That(t, peers[0].User, test.ShouldEqual, "alice")
	test.That(t, peers[0].Kind, test.ShouldEqual, session.KindVR)
	test.That(t, peers[0].Color, test.ShouldStartWith, "#")

	fake.Write(rtestutils.RealtimeFrame(nil))
	readEvent(t, conn, session.EventTelemetry)
}

func TestSessionCBOR(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{
		{Name: "ur5e", Host: fake.Host(), Port: fake.Port()},
	}}, web.Options{})

	conn := dial(t, srv, "/robots/ur5e/ws?encoding=cbor")
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	readCBOR := func(event string) map[string]interface{} {
		for {
			messageType, data, err := conn.ReadMessage()
			test.That(t, err, test.ShouldBeNil)
			test.That(t, messageType, test.ShouldEqual, websocket.BinaryMessage)
			var msg web.Message
			test.That(t, web.CBOR.Unmarshal(data, &msg), test.ShouldBeNil)
			if msg.Event != event {
				continue
			}
			payload, ok := msg.Data.(map[string]interface{})
			test.That(t, ok, test.ShouldBeTrue)
			return payload
		}
	}
	for {
		state := readCBOR(session.EventState)
		test.That(t, state["robot"], test.ShouldEqual, "ur5e")
		if state["state"] == "connected" {
			break
		}
	}

	out, err := web.CBOR.Marshal(web.ClientMessage{Type: web.TypeCommand, Command: &session.Command{
		ID:     "7",
		Name:   "movel",
		Params: map[string]interface{}{"pose": []float64{0.1, 0.2, 0.3, 0, 3.14, 0}},
	}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conn.WriteMessage(websocket.BinaryMessage, out), test.ShouldBeNil)
	ack := readCBOR(web.EventAck)
	test.That(t, ack["id"], test.ShouldEqual, "7")
	test.That(t, ack["ok"], test.ShouldEqual, true)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, fake.Received(), test.ShouldContainSubstring, "movel(p[0.1,0.2,0.3,0,3.14,0]")
	})
}

func TestSessionUnknownRobot(t *testing.T) {
	srv := newTestServer(t, &config.Config{}, web.Options{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur3/ws"), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur3/vnc"), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
}

func TestSessionRequiresToken(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	auth := web.NewAuthenticator(config.Auth{Secret: "swordfish", Issuer: "urbridge"})
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{
		{Name: "ur5e", Host: fake.Host(), Port: fake.Port()},
	}}, web.Options{Auth: auth})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur5e/ws?user=mallory"), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusUnauthorized)

	token, err := auth.(*web.TokenAuthenticator).Sign(session.Identity{User: "alice", Kind: session.KindDashboard}, time.Minute)
	test.That(t, err, test.ShouldBeNil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur5e/ws"), header)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	readEvent(t, conn, session.EventState)
}

func TestCORS(t *testing.T) {
	fake := rtestutils.NewFakeRobot(t)
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{
		{Name: "ur5e", Host: fake.Host(), Port: fake.Port()},
	}}, web.Options{Network: config.Network{CORSOrigins: []string{"https://dashboard.example"}}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur5e/ws"), header)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusForbidden)

	header.Set("Origin", "https://dashboard.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/robots/ur5e/ws"), header)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/robots", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set("Origin", "https://dashboard.example")
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "https://dashboard.example")
}

func TestVNCBridge(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer listener.Close()

	fromClient := make(chan []byte, 2)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := conn.Write([]byte("RFB 003.008\n")); err != nil {
					return
				}
				buf := make([]byte, 12)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
				fromClient <- buf
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	fake := rtestutils.NewFakeRobot(t)
	srv := newTestServer(t, &config.Config{Robots: []config.Robot{{
		Name: "ur5e",
		Host: fake.Host(),
		Port: fake.Port(),
		VNC:  &config.VNC{Host: "127.0.0.1", Port: listener.Addr().(*net.TCPAddr).Port},
	}}}, web.Options{})

	handshake := func(conn *websocket.Conn) {
		test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
		messageType, data, err := conn.ReadMessage()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, messageType, test.ShouldEqual, websocket.BinaryMessage)
		test.That(t, string(data), test.ShouldEqual, "RFB 003.008\n")

		test.That(t, conn.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n")), test.ShouldBeNil)
		select {
		case got := <-fromClient:
			test.That(t, string(got), test.ShouldEqual, "RFB 003.008\n")
		case <-time.After(5 * time.Second):
			t.Fatal("no client bytes relayed")
		}
	}

	first := dial(t, srv, "/robots/ur5e/vnc")
	handshake(first)
	// the second viewer gets a handshake of its own
	second := dial(t, srv, "/robots/ur5e/vnc")
	handshake(second)
}
