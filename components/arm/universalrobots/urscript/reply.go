package urscript

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// replyAlias is the socket name the robot-side snippet opens.
const replyAlias = "urbridge_reply"

// Callback is where the robot should connect to deliver a computed value.
type Callback struct {
	Host string
	Port int
}

// A ReplyScript renders a program that sends one value back to cb.
type ReplyScript func(cb Callback) string

// replyProgram wraps expr in a program that opens a socket to cb, sends to_str(expr) and
// closes it again.
func replyProgram(expr string) ReplyScript {
	return func(cb Callback) string {
		return fmt.Sprintf("def %[1]s():\n"+
			"  socket_open(%[2]q,%[3]d,%[1]q)\n"+
			"  socket_send_string(to_str(%[4]s),%[1]q)\n"+
			"  socket_close(%[1]q)\n"+
			"end\n", replyAlias, cb.Host, cb.Port, expr)
	}
}

// InverseKinOptions are the optional get_inverse_kin arguments.
type InverseKinOptions struct {
	QNear               []float64
	MaxPositionError    *float64
	MaxOrientationError *float64
	TCPOffset           []float64
}

// GetInverseKin computes joint positions for pose on the controller.
func GetInverseKin(pose []float64, opts InverseKinOptions) ReplyScript {
	var expr strings.Builder
	expr.WriteString("get_inverse_kin(")
	expr.WriteString(Pose(pose...).String())
	if len(opts.QNear) > 0 {
		expr.WriteString(",qnear=" + vector(opts.QNear))
	}
	expr.WriteString(optional("maxPositionError", opts.MaxPositionError))
	expr.WriteString(optional("maxOrientationError", opts.MaxOrientationError))
	if len(opts.TCPOffset) > 0 {
		expr.WriteString(",tcp=" + Pose(opts.TCPOffset...).String())
	}
	expr.WriteString(")")
	return replyProgram(expr.String())
}

// EncoderGetTickCount reads the tick count of encoder (0 or 1).
func EncoderGetTickCount(encoder int) ReplyScript {
	return replyProgram("encoder_get_tick_count(" + strconv.Itoa(encoder) + ")")
}

// GetConveyorTickCount reads the conveyor tracking tick count.
func GetConveyorTickCount() ReplyScript {
	return replyProgram("get_conveyor_tick_count()")
}

// GetTargetTCPPoseAlongPath reads the target TCP pose without conveyor or force offsets.
func GetTargetTCPPoseAlongPath() ReplyScript {
	return replyProgram("get_target_tcp_pose_along_path()")
}

// GetTargetTCPSpeedAlongPath reads the target TCP speed without conveyor or force offsets.
func GetTargetTCPSpeedAlongPath() ReplyScript {
	return replyProgram("get_target_tcp_speed_along_path()")
}

// EncoderUnwindDeltaTickCount unwinds a wrapped encoder delta.
func EncoderUnwindDeltaTickCount(encoder int, delta float64) ReplyScript {
	return replyProgram("encoder_unwind_delta_tick_count(" + strconv.Itoa(encoder) + "," + number(delta) + ")")
}

// ParseFloats parses what to_str produced on the robot: a bracketed list, a p[] pose or a
// single number.
func ParseFloats(payload []byte) ([]float64, error) {
	text := strings.TrimSpace(string(payload))
	text = strings.TrimPrefix(text, "p")
	if strings.HasPrefix(text, "[") {
		var values []float64
		if err := json.Unmarshal([]byte(text), &values); err != nil {
			return nil, errors.Wrapf(err, "cannot parse reply %q", text)
		}
		return values, nil
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse reply %q", text)
	}
	return []float64{value}, nil
}
