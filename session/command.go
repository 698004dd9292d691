package session

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/components/arm/universalrobots/urscript"
)

// ErrRateLimited is returned when a session sends commands faster than allowed.
var ErrRateLimited = errors.New("too many commands")

// Command is a client request. ID is echoed back in the Ack.
type Command struct {
	ID     string                 `json:"id,omitempty"`
	Name   string                 `json:"command"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Ack answers a Command. Payload carries the parsed values of commands that need a reply.
type Ack struct {
	ID      string      `json:"id,omitempty"`
	OK      bool        `json:"ok"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Error codes carried in failed acks.
const (
	CodeNotConnected   = "not_connected"
	CodeUnknownCommand = "unknown_command"
	CodeMalformed      = "malformed_command"
	CodeRateLimited    = "rate_limited"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, universalrobots.ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, urscript.ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, urscript.ErrMalformedCommand):
		return CodeMalformed
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, universalrobots.ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Handle runs cmd against the hub's robot. Commands that need a value from the robot block
// until it replies or the reply times out.
func (s *Session) Handle(ctx context.Context, cmd Command) Ack {
	s.Heartbeat()
	payload, err := s.handle(ctx, cmd)
	if err != nil {
		s.logger.CDebugw(ctx, "command failed", "session", s.id, "command", cmd.Name, "error", err)
		return Ack{ID: cmd.ID, Code: errorCode(err), Error: err.Error()}
	}
	return Ack{ID: cmd.ID, OK: true, Payload: payload}
}

func (s *Session) handle(ctx context.Context, cmd Command) (interface{}, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	robot := s.hub.robot
	inst, err := urscript.Format(urscript.Command{Name: cmd.Name, Params: cmd.Params})
	if err != nil {
		return nil, err
	}

	switch cmd.Name {
	case "run":
		return nil, robot.Resume(ctx)
	case "pause":
		return nil, robot.Pause(ctx)
	}

	if !inst.NeedsReply() {
		return nil, robot.Send(ctx, inst.Text)
	}
	reply, err := robot.SendWithReply(ctx, inst.Reply)
	if err != nil {
		return nil, err
	}
	values, err := urscript.ParseFloats(reply)
	if err != nil {
		return nil, err
	}
	return values, nil
}
