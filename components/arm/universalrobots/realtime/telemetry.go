// Package realtime decodes the Universal Robots realtime client interface stream (port 30003,
// controller software 5.10 and newer).
package realtime

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// FrameSize is the size in bytes of one realtime telemetry frame.
const FrameSize = 1220

// ErrShortBuffer is returned when a buffer is too small to hold a whole frame.
var ErrShortBuffer = errors.New("realtime: buffer shorter than a telemetry frame")

// Byte offsets of every field, as laid out by the vendor's realtime interface table. Reserved
// and software-only regions are skipped but keep their place.
const (
	offsetMessageSize        = 0
	offsetTime               = 4
	offsetQTarget            = 12
	offsetQdTarget           = 60
	offsetQddTarget          = 108
	offsetITarget            = 156
	offsetMTarget            = 204
	offsetQActual            = 252
	offsetQdActual           = 300
	offsetIActual            = 348
	offsetIControl           = 396
	offsetToolVectorActual   = 444
	offsetTCPSpeedActual     = 492
	offsetTCPForce           = 540
	offsetToolVectorTarget   = 588
	offsetTCPSpeedTarget     = 636
	offsetDigitalInputBits   = 684
	offsetMotorTemperatures  = 692
	offsetControllerTimer    = 740
	offsetTestValue          = 748
	offsetRobotMode          = 756
	offsetJointModes         = 764
	offsetSafetyMode         = 812
	offsetToolAccelerometer  = 868
	offsetSpeedScaling       = 940
	offsetLinearMomentumNorm = 948
	offsetVMain              = 972
	offsetVRobot             = 980
	offsetIRobot             = 988
	offsetVActual            = 996
	offsetDigitalOutputs     = 1044
	offsetProgramState       = 1052
	offsetElbowPosition      = 1060
	offsetElbowVelocity      = 1084
	offsetSafetyStatus       = 1108
	offsetPayloadMass        = 1140
	offsetPayloadCoG         = 1148
	offsetPayloadInertia     = 1172
)

// Vector6 is a joint space or cartesian (x, y, z, rx, ry, rz) vector.
type Vector6 [6]float64

// Vector3 is a cartesian (x, y, z) vector.
type Vector3 [3]float64

// Snapshot is one decoded telemetry frame. Snapshots are shared between subscribers and must
// not be modified.
type Snapshot struct {
	MessageSize uint32  `json:"message_size"`
	Time        float64 `json:"time"`

	QTarget   Vector6 `json:"q_target"`
	QdTarget  Vector6 `json:"qd_target"`
	QddTarget Vector6 `json:"qdd_target"`
	ITarget   Vector6 `json:"i_target"`
	MTarget   Vector6 `json:"m_target"`
	QActual   Vector6 `json:"q_actual"`
	QdActual  Vector6 `json:"qd_actual"`
	IActual   Vector6 `json:"i_actual"`
	IControl  Vector6 `json:"i_control"`

	ToolVectorActual Vector6 `json:"tool_vector_actual"`
	TCPSpeedActual   Vector6 `json:"tcp_speed_actual"`
	TCPForce         Vector6 `json:"tcp_force"`
	ToolVectorTarget Vector6 `json:"tool_vector_target"`
	TCPSpeedTarget   Vector6 `json:"tcp_speed_target"`

	DigitalInputBits  float64 `json:"digital_input_bits"`
	MotorTemperatures Vector6 `json:"motor_temperatures"`
	ControllerTimer   float64 `json:"controller_timer"`
	TestValue         float64 `json:"test_value"`
	RobotMode         float64 `json:"robot_mode"`
	JointModes        Vector6 `json:"joint_modes"`
	SafetyMode        float64 `json:"safety_mode"`
	ToolAccelerometer Vector3 `json:"tool_accelerometer_values"`

	SpeedScaling       float64 `json:"speed_scaling"`
	LinearMomentumNorm float64 `json:"linear_momentum_norm"`
	VMain              float64 `json:"v_main"`
	VRobot             float64 `json:"v_robot"`
	IRobot             float64 `json:"i_robot"`
	VActual            Vector6 `json:"v_actual"`
	DigitalOutputs     float64 `json:"digital_outputs"`
	ProgramState       float64 `json:"program_state"`

	ElbowPosition Vector3 `json:"elbow_position"`
	ElbowVelocity Vector3 `json:"elbow_velocity"`
	SafetyStatus  float64 `json:"safety_status"`

	PayloadMass    float64 `json:"payload_mass"`
	PayloadCoG     Vector3 `json:"payload_cog"`
	PayloadInertia Vector6 `json:"payload_inertia"`
}

// Decode parses one frame. Only the first FrameSize bytes of buf are read. Field values are
// returned as sent; range checking is left to the consumer.
func Decode(buf []byte) (*Snapshot, error) {
	if len(buf) < FrameSize {
		return nil, errors.Wrapf(ErrShortBuffer, "got %d bytes, need %d", len(buf), FrameSize)
	}

	return &Snapshot{
		MessageSize: binary.BigEndian.Uint32(buf[offsetMessageSize:]),
		Time:        readFloat(buf, offsetTime),

		QTarget:   readVector6(buf, offsetQTarget),
		QdTarget:  readVector6(buf, offsetQdTarget),
		QddTarget: readVector6(buf, offsetQddTarget),
		ITarget:   readVector6(buf, offsetITarget),
		MTarget:   readVector6(buf, offsetMTarget),
		QActual:   readVector6(buf, offsetQActual),
		QdActual:  readVector6(buf, offsetQdActual),
		IActual:   readVector6(buf, offsetIActual),
		IControl:  readVector6(buf, offsetIControl),

		ToolVectorActual: readVector6(buf, offsetToolVectorActual),
		TCPSpeedActual:   readVector6(buf, offsetTCPSpeedActual),
		TCPForce:         readVector6(buf, offsetTCPForce),
		ToolVectorTarget: readVector6(buf, offsetToolVectorTarget),
		TCPSpeedTarget:   readVector6(buf, offsetTCPSpeedTarget),

		DigitalInputBits:  readFloat(buf, offsetDigitalInputBits),
		MotorTemperatures: readVector6(buf, offsetMotorTemperatures),
		ControllerTimer:   readFloat(buf, offsetControllerTimer),
		TestValue:         readFloat(buf, offsetTestValue),
		RobotMode:         readFloat(buf, offsetRobotMode),
		JointModes:        readVector6(buf, offsetJointModes),
		SafetyMode:        readFloat(buf, offsetSafetyMode),
		ToolAccelerometer: readVector3(buf, offsetToolAccelerometer),

		SpeedScaling:       readFloat(buf, offsetSpeedScaling),
		LinearMomentumNorm: readFloat(buf, offsetLinearMomentumNorm),
		VMain:              readFloat(buf, offsetVMain),
		VRobot:             readFloat(buf, offsetVRobot),
		IRobot:             readFloat(buf, offsetIRobot),
		VActual:            readVector6(buf, offsetVActual),
		DigitalOutputs:     readFloat(buf, offsetDigitalOutputs),
		ProgramState:       readFloat(buf, offsetProgramState),

		ElbowPosition: readVector3(buf, offsetElbowPosition),
		ElbowVelocity: readVector3(buf, offsetElbowVelocity),
		SafetyStatus:  readFloat(buf, offsetSafetyStatus),

		PayloadMass:    readFloat(buf, offsetPayloadMass),
		PayloadCoG:     readVector3(buf, offsetPayloadCoG),
		PayloadInertia: readVector6(buf, offsetPayloadInertia),
	}, nil
}

// DigitalInput reports standard/configurable/tool input i (0-17 on an e-series controller).
func (s *Snapshot) DigitalInput(i int) bool {
	return bitSet(s.DigitalInputBits, i)
}

// DigitalOutput reports standard/configurable/tool output i.
func (s *Snapshot) DigitalOutput(i int) bool {
	return bitSet(s.DigitalOutputs, i)
}

// RobotModeCode is RobotMode as the integer the controller documents (e.g. 7 running).
func (s *Snapshot) RobotModeCode() int {
	return int(s.RobotMode)
}

// SafetyModeCode is SafetyMode as the integer the controller documents (e.g. 1 normal).
func (s *Snapshot) SafetyModeCode() int {
	return int(s.SafetyMode)
}

// ProgramStateCode is ProgramState as the integer the controller documents (1 stopped,
// 2 playing, 4 paused).
func (s *Snapshot) ProgramStateCode() int {
	return int(s.ProgramState)
}

// bit fields are sent as doubles holding an integer value.
func bitSet(field float64, i int) bool {
	if i < 0 || i > 63 {
		return false
	}
	return uint64(field)&(1<<uint(i)) != 0
}

func readFloat(buf []byte, offset int) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf[offset:]))
}

func readVector3(buf []byte, offset int) Vector3 {
	var v Vector3
	for i := range v {
		v[i] = readFloat(buf, offset+8*i)
	}
	return v
}

func readVector6(buf []byte, offset int) Vector6 {
	var v Vector6
	for i := range v {
		v[i] = readFloat(buf, offset+8*i)
	}
	return v
}
