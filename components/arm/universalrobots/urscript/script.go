// Package urscript renders structured commands as URScript statements. Every function is pure:
// the same arguments always produce the same text.
package urscript

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Program toggles understood by the controller.
const (
	ResumeProgram = "resume program\n"
	PauseProgram  = "pause program\n"
)

// Target is either a joint vector or a cartesian pose. Poses render with the p[] prefix.
type Target struct {
	Values []float64
	Pose   bool
}

// Joints is a joint space target.
func Joints(q ...float64) Target {
	return Target{Values: q}
}

// Pose is a cartesian (x, y, z, rx, ry, rz) target.
func Pose(p ...float64) Target {
	return Target{Values: p, Pose: true}
}

func (t Target) String() string {
	if t.Pose {
		return "p" + vector(t.Values)
	}
	return vector(t.Values)
}

// Motion holds the shared move parameters: tool/joint acceleration, speed, time and blend
// radius.
type Motion struct {
	A, V, T, R float64
}

// MoveJ moves in joint space.
func MoveJ(target Target, m Motion) string {
	return move("movej", target, m)
}

// MoveL moves linearly in tool space.
func MoveL(target Target, m Motion) string {
	return move("movel", target, m)
}

// MoveP moves with constant tool speed and circular blends. movep takes no time argument, so
// m.T is ignored.
func MoveP(target Target, m Motion) string {
	return "movep(" + target.String() +
		",a=" + number(m.A) +
		",v=" + number(m.V) +
		",r=" + number(m.R) + ")\n"
}

func move(fn string, target Target, m Motion) string {
	return fn + "(" + target.String() +
		",a=" + number(m.A) +
		",v=" + number(m.V) +
		",t=" + number(m.T) +
		",r=" + number(m.R) + ")\n"
}

// MoveC moves circularly through via to to. mode 0 keeps the orientation unconstrained,
// 1 keeps it fixed relative to the arc tangent.
func MoveC(via, to Target, a, v, r float64, mode int) string {
	return "movec(" + via.String() + "," + to.String() +
		",a=" + number(a) +
		",v=" + number(v) +
		",r=" + number(r) +
		",mode=" + strconv.Itoa(mode) + ")\n"
}

// SpeedJ accelerates to the joint speed vector qd. A nil t runs until the next command.
func SpeedJ(qd []float64, a float64, t *float64) string {
	return "speedj(" + vector(qd) + ",a=" + number(a) + optional("t", t) + ")\n"
}

// SpeedL accelerates to the tool speed vector xd.
func SpeedL(xd []float64, a float64, t *float64) string {
	return "speedl(" + vector(xd) + ",a=" + number(a) + optional("t", t) + ")\n"
}

// ServoOptions holds the optional servoj tuning parameters.
type ServoOptions struct {
	T         *float64
	Lookahead *float64
	Gain      *float64
}

// ServoJ servos to joint position q.
func ServoJ(q []float64, a, v float64, opts ServoOptions) string {
	return "servoj(" + vector(q) +
		",a=" + number(a) +
		",v=" + number(v) +
		optional("t", opts.T) +
		optional("lookahead_time", opts.Lookahead) +
		optional("gain", opts.Gain) + ")\n"
}

// StopJ decelerates joint speeds to zero.
func StopJ(a float64) string {
	return "stopj(" + number(a) + ")\n"
}

// StopL decelerates tool speed to zero.
func StopL(a float64) string {
	return "stopl(" + number(a) + ")\n"
}

// SetToolDigitalOut sets tool output n.
func SetToolDigitalOut(n int, b bool) string {
	return "set_tool_digital_out(" + strconv.Itoa(n) + "," + boolean(b) + ")\n"
}

// SetStandardDigitalOut sets standard output n.
func SetStandardDigitalOut(n int, b bool) string {
	return "set_standard_digital_out(" + strconv.Itoa(n) + "," + boolean(b) + ")\n"
}

func vector(values []float64) string {
	return "[" + strings.Join(lo.Map(values, func(f float64, _ int) string {
		return number(f)
	}), ",") + "]"
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// boolean renders the capitalised literal URScript expects.
func boolean(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func optional(name string, value *float64) string {
	if value == nil {
		return ""
	}
	return "," + name + "=" + number(*value)
}
