package realtime

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

// field lists the documented position of each value and how to read it back from a Snapshot.
type field struct {
	name   string
	offset int
	get    func(s *Snapshot) []float64
}

func v6(v Vector6) []float64 { return v[:] }
func v3(v Vector3) []float64 { return v[:] }
func one(f float64) []float64 {
	return []float64{f}
}

var documentedFields = []field{
	{"time", 4, func(s *Snapshot) []float64 { return one(s.Time) }},
	{"q_target", 12, func(s *Snapshot) []float64 { return v6(s.QTarget) }},
	{"qd_target", 60, func(s *Snapshot) []float64 { return v6(s.QdTarget) }},
	{"qdd_target", 108, func(s *Snapshot) []float64 { return v6(s.QddTarget) }},
	{"i_target", 156, func(s *Snapshot) []float64 { return v6(s.ITarget) }},
	{"m_target", 204, func(s *Snapshot) []float64 { return v6(s.MTarget) }},
	{"q_actual", 252, func(s *Snapshot) []float64 { return v6(s.QActual) }},
	{"qd_actual", 300, func(s *Snapshot) []float64 { return v6(s.QdActual) }},
	{"i_actual", 348, func(s *Snapshot) []float64 { return v6(s.IActual) }},
	{"i_control", 396, func(s *Snapshot) []float64 { return v6(s.IControl) }},
	{"tool_vector_actual", 444, func(s *Snapshot) []float64 { return v6(s.ToolVectorActual) }},
	{"tcp_speed_actual", 492, func(s *Snapshot) []float64 { return v6(s.TCPSpeedActual) }},
	{"tcp_force", 540, func(s *Snapshot) []float64 { return v6(s.TCPForce) }},
	{"tool_vector_target", 588, func(s *Snapshot) []float64 { return v6(s.ToolVectorTarget) }},
	{"tcp_speed_target", 636, func(s *Snapshot) []float64 { return v6(s.TCPSpeedTarget) }},
	{"digital_input_bits", 684, func(s *Snapshot) []float64 { return one(s.DigitalInputBits) }},
	{"motor_temperatures", 692, func(s *Snapshot) []float64 { return v6(s.MotorTemperatures) }},
	{"controller_timer", 740, func(s *Snapshot) []float64 { return one(s.ControllerTimer) }},
	{"test_value", 748, func(s *Snapshot) []float64 { return one(s.TestValue) }},
	{"robot_mode", 756, func(s *Snapshot) []float64 { return one(s.RobotMode) }},
	{"joint_modes", 764, func(s *Snapshot) []float64 { return v6(s.JointModes) }},
	{"safety_mode", 812, func(s *Snapshot) []float64 { return one(s.SafetyMode) }},
	{"tool_accelerometer_values", 868, func(s *Snapshot) []float64 { return v3(s.ToolAccelerometer) }},
	{"speed_scaling", 940, func(s *Snapshot) []float64 { return one(s.SpeedScaling) }},
	{"linear_momentum_norm", 948, func(s *Snapshot) []float64 { return one(s.LinearMomentumNorm) }},
	{"v_main", 972, func(s *Snapshot) []float64 { return one(s.VMain) }},
	{"v_robot", 980, func(s *Snapshot) []float64 { return one(s.VRobot) }},
	{"i_robot", 988, func(s *Snapshot) []float64 { return one(s.IRobot) }},
	{"v_actual", 996, func(s *Snapshot) []float64 { return v6(s.VActual) }},
	{"digital_outputs", 1044, func(s *Snapshot) []float64 { return one(s.DigitalOutputs) }},
	{"program_state", 1052, func(s *Snapshot) []float64 { return one(s.ProgramState) }},
	{"elbow_position", 1060, func(s *Snapshot) []float64 { return v3(s.ElbowPosition) }},
	{"elbow_velocity", 1084, func(s *Snapshot) []float64 { return v3(s.ElbowVelocity) }},
	{"safety_status", 1108, func(s *Snapshot) []float64 { return one(s.SafetyStatus) }},
	{"payload_mass", 1140, func(s *Snapshot) []float64 { return one(s.PayloadMass) }},
	{"payload_cog", 1148, func(s *Snapshot) []float64 { return v3(s.PayloadCoG) }},
	{"payload_inertia", 1172, func(s *Snapshot) []float64 { return v6(s.PayloadInertia) }},
}

// valueAt gives every double slot in the frame a distinct value.
func valueAt(offset int) float64 {
	return float64(offset)/8 + 0.125
}

func syntheticFrame() []byte {
	buf := make([]byte, FrameSize)
	binary.BigEndian.PutUint32(buf, FrameSize)
	for offset := 4; offset+8 <= FrameSize; offset += 8 {
		binary.BigEndian.PutUint64(buf[offset:], math.Float64bits(valueAt(offset)))
	}
	return buf
}

func TestDecodeFullTable(t *testing.T) {
	snap, err := Decode(syntheticFrame())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.MessageSize, test.ShouldEqual, uint32(FrameSize))

	for _, f := range documentedFields {
		t.Run(f.name, func(t *testing.T) {
			for i, got := range f.get(snap) {
				test.That(t, got, test.ShouldEqual, valueAt(f.offset+8*i))
			}
		})
	}

	last := documentedFields[len(documentedFields)-1]
	test.That(t, last.offset+6*8, test.ShouldEqual, FrameSize)
}

func TestDecodeShortBuffer(t *testing.T) {
	for _, size := range []int{0, 4, 1116, FrameSize - 1} {
		snap, err := Decode(make([]byte, size))
		test.That(t, snap, test.ShouldBeNil)
		test.That(t, errors.Is(err, ErrShortBuffer), test.ShouldBeTrue)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	buf := append(syntheticFrame(), make([]byte, 17)...)
	snap, err := Decode(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.PayloadInertia[5], test.ShouldEqual, valueAt(1172+40))
}

func TestBitFields(t *testing.T) {
	buf := make([]byte, FrameSize)
	binary.BigEndian.PutUint64(buf[offsetDigitalInputBits:], math.Float64bits(float64(0b1010)))
	binary.BigEndian.PutUint64(buf[offsetDigitalOutputs:], math.Float64bits(float64(1<<17)))
	binary.BigEndian.PutUint64(buf[offsetRobotMode:], math.Float64bits(7))
	binary.BigEndian.PutUint64(buf[offsetProgramState:], math.Float64bits(2))

	snap, err := Decode(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.DigitalInput(0), test.ShouldBeFalse)
	test.That(t, snap.DigitalInput(1), test.ShouldBeTrue)
	test.That(t, snap.DigitalInput(3), test.ShouldBeTrue)
	test.That(t, snap.DigitalInput(64), test.ShouldBeFalse)
	test.That(t, snap.DigitalOutput(17), test.ShouldBeTrue)
	test.That(t, snap.RobotModeCode(), test.ShouldEqual, 7)
	test.That(t, snap.ProgramStateCode(), test.ShouldEqual, 2)
	test.That(t, snap.SafetyModeCode(), test.ShouldEqual, 0)
}
