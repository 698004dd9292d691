package web

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"go.viam.com/urbridge/session"
)

// Message is the envelope of everything sent to and received from a client.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Inbound message types.
const (
	TypeCommand   = "command"
	TypePeer      = "peer"
	TypeHeartbeat = "heartbeat"
)

// EventAck carries the answer to a command.
const EventAck = "ack"

// ClientMessage is what clients send. Command is set for TypeCommand and Peer for TypePeer.
type ClientMessage struct {
	Type    string             `json:"type"`
	Command *session.Command   `json:"command,omitempty"`
	Peer    *session.PeerState `json:"peer,omitempty"`
}

// A Codec encodes websocket messages.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// cborCodec encodes with Core Deterministic Encoding. Struct fields use their json tags.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (cborCodec) Name() string     { return "cbor" }
func (cborCodec) MessageType() int { return websocket.BinaryMessage }

func (c cborCodec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

var (
	// JSON is the default codec.
	JSON Codec = jsonCodec{}
	// CBOR is selected with ?encoding=cbor.
	CBOR Codec = newCBORCodec()
)

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	// robot states marshal as their names
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("web: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("web: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

// codecFor picks the codec requested by the client.
func codecFor(r *http.Request) Codec {
	if r.URL.Query().Get("encoding") == CBOR.Name() {
		return CBOR
	}
	return JSON
}
