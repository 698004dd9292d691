package urscript

import (
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownCommand is returned for a command name with no template.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformedCommand is returned when a command's parameters do not fit its template.
	ErrMalformedCommand = errors.New("malformed command")
)

// Command is a structured request from a downstream client.
type Command struct {
	Name   string                 `json:"command"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Instruction is the result of formatting a command. Exactly one of Text and Reply is set.
type Instruction struct {
	// Text is sent fire-and-forget.
	Text string
	// Reply needs the value computed by the robot sent back over a callback socket.
	Reply ReplyScript
}

// NeedsReply reports whether the instruction must go through a correlated round trip.
func (i Instruction) NeedsReply() bool {
	return i.Reply != nil
}

type formatter func(params map[string]interface{}) (Instruction, error)

var commands = map[string]formatter{
	"run":   constant(ResumeProgram),
	"pause": constant(PauseProgram),

	"movej": formatMove(MoveJ, Motion{A: 1.4, V: 1.05}),
	"movel": formatMove(MoveL, Motion{A: 1.2, V: 0.25}),
	"movep": formatMove(MoveP, Motion{A: 1.2, V: 0.25}),
	"movec": formatMoveC,

	"speedj": formatSpeed(SpeedJ),
	"speedl": formatSpeed(SpeedL),
	"servoj": formatServoJ,
	"stopj":  formatStop(StopJ),
	"stopl":  formatStop(StopL),

	"set_tool_digital_out":     formatDigitalOut(SetToolDigitalOut),
	"set_standard_digital_out": formatDigitalOut(SetStandardDigitalOut),

	"script": formatScript,

	"get_inverse_kin":                 formatInverseKin,
	"encoder_get_tick_count":          formatEncoder(EncoderGetTickCount),
	"get_conveyor_tick_count":         reply(GetConveyorTickCount),
	"get_target_tcp_pose_along_path":  reply(GetTargetTCPPoseAlongPath),
	"get_target_tcp_speed_along_path": reply(GetTargetTCPSpeedAlongPath),
	"encoder_unwind_delta_tick_count": formatUnwind,
}

// Names lists every command Format understands.
func Names() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Format translates cmd into URScript.
func Format(cmd Command) (Instruction, error) {
	f, ok := commands[cmd.Name]
	if !ok {
		return Instruction{}, errors.Wrapf(ErrUnknownCommand, "%q", cmd.Name)
	}
	inst, err := f(cmd.Params)
	if err != nil {
		return Instruction{}, errors.Wrapf(ErrMalformedCommand, "%s: %v", cmd.Name, err)
	}
	return inst, nil
}

// decode fills out from params using the json tags, rejecting unknown keys.
func decode(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(params)
}

func checkLength(name string, values []float64, n int) error {
	if len(values) != n {
		return errors.Errorf("%s needs %d values, got %d", name, n, len(values))
	}
	return nil
}

func constant(text string) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		if len(params) != 0 {
			return Instruction{}, errors.New("takes no parameters")
		}
		return Instruction{Text: text}, nil
	}
}

func reply(script func() ReplyScript) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		if len(params) != 0 {
			return Instruction{}, errors.New("takes no parameters")
		}
		return Instruction{Reply: script()}, nil
	}
}

func (p moveParams) target() (Target, error) {
	switch {
	case p.Joints != nil && p.Pose != nil:
		return Target{}, errors.New("joints and pose are exclusive")
	case p.Pose != nil:
		return Pose(p.Pose...), checkLength("pose", p.Pose, 6)
	case p.Joints != nil:
		return Joints(p.Joints...), checkLength("joints", p.Joints, 6)
	default:
		return Target{}, errors.New("joints or pose is required")
	}
}

type moveParams struct {
	Joints []float64 `json:"joints"`
	Pose   []float64 `json:"pose"`
	A      *float64  `json:"a"`
	V      *float64  `json:"v"`
	T      *float64  `json:"t"`
	R      *float64  `json:"r"`
}

func formatMove(render func(Target, Motion) string, defaults Motion) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		var p moveParams
		if err := decode(params, &p); err != nil {
			return Instruction{}, err
		}
		target, err := p.target()
		if err != nil {
			return Instruction{}, err
		}
		m := defaults
		if p.A != nil {
			m.A = *p.A
		}
		if p.V != nil {
			m.V = *p.V
		}
		if p.T != nil {
			m.T = *p.T
		}
		if p.R != nil {
			m.R = *p.R
		}
		return Instruction{Text: render(target, m)}, nil
	}
}

type moveCParams struct {
	Via  []float64 `json:"via"`
	To   []float64 `json:"to"`
	A    *float64  `json:"a"`
	V    *float64  `json:"v"`
	R    float64   `json:"r"`
	Mode int       `json:"mode"`
}

func formatMoveC(params map[string]interface{}) (Instruction, error) {
	var p moveCParams
	if err := decode(params, &p); err != nil {
		return Instruction{}, err
	}
	if err := checkLength("via", p.Via, 6); err != nil {
		return Instruction{}, err
	}
	if err := checkLength("to", p.To, 6); err != nil {
		return Instruction{}, err
	}
	a, v := 1.2, 0.25
	if p.A != nil {
		a = *p.A
	}
	if p.V != nil {
		v = *p.V
	}
	return Instruction{Text: MoveC(Pose(p.Via...), Pose(p.To...), a, v, p.R, p.Mode)}, nil
}

type speedParams struct {
	Speed []float64 `json:"speed"`
	A     float64   `json:"a"`
	T     *float64  `json:"t"`
}

func formatSpeed(render func([]float64, float64, *float64) string) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		var p speedParams
		if err := decode(params, &p); err != nil {
			return Instruction{}, err
		}
		if err := checkLength("speed", p.Speed, 6); err != nil {
			return Instruction{}, err
		}
		return Instruction{Text: render(p.Speed, p.A, p.T)}, nil
	}
}

type servoParams struct {
	Joints    []float64 `json:"joints"`
	A         float64   `json:"a"`
	V         float64   `json:"v"`
	T         *float64  `json:"t"`
	Lookahead *float64  `json:"lookahead_time"`
	Gain      *float64  `json:"gain"`
}

func formatServoJ(params map[string]interface{}) (Instruction, error) {
	var p servoParams
	if err := decode(params, &p); err != nil {
		return Instruction{}, err
	}
	if err := checkLength("joints", p.Joints, 6); err != nil {
		return Instruction{}, err
	}
	return Instruction{Text: ServoJ(p.Joints, p.A, p.V, ServoOptions{T: p.T, Lookahead: p.Lookahead, Gain: p.Gain})}, nil
}

type stopParams struct {
	A float64 `json:"a"`
}

func formatStop(render func(float64) string) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		var p stopParams
		if err := decode(params, &p); err != nil {
			return Instruction{}, err
		}
		if p.A <= 0 {
			return Instruction{}, errors.New("a must be positive")
		}
		return Instruction{Text: render(p.A)}, nil
	}
}

type digitalOutParams struct {
	Index *int  `json:"index"`
	Value *bool `json:"value"`
}

func formatDigitalOut(render func(int, bool) string) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		var p digitalOutParams
		if err := decode(params, &p); err != nil {
			return Instruction{}, err
		}
		if p.Index == nil || p.Value == nil {
			return Instruction{}, errors.New("index and value are required")
		}
		if *p.Index < 0 {
			return Instruction{}, errors.Errorf("invalid output index %d", *p.Index)
		}
		return Instruction{Text: render(*p.Index, *p.Value)}, nil
	}
}

type scriptParams struct {
	Text string `json:"text"`
}

// formatScript passes an interface script through unchanged, only ensuring it is newline
// terminated so the controller executes it.
func formatScript(params map[string]interface{}) (Instruction, error) {
	var p scriptParams
	if err := decode(params, &p); err != nil {
		return Instruction{}, err
	}
	if p.Text == "" {
		return Instruction{}, errors.New("text is required")
	}
	if p.Text[len(p.Text)-1] != '\n' {
		p.Text += "\n"
	}
	return Instruction{Text: p.Text}, nil
}

type inverseKinParams struct {
	Pose                []float64 `json:"pose"`
	QNear               []float64 `json:"qnear"`
	MaxPositionError    *float64  `json:"max_position_error"`
	MaxOrientationError *float64  `json:"max_orientation_error"`
	TCPOffset           []float64 `json:"tcp_offset"`
}

func formatInverseKin(params map[string]interface{}) (Instruction, error) {
	var p inverseKinParams
	if err := decode(params, &p); err != nil {
		return Instruction{}, err
	}
	if err := checkLength("pose", p.Pose, 6); err != nil {
		return Instruction{}, err
	}
	if p.QNear != nil {
		if err := checkLength("qnear", p.QNear, 6); err != nil {
			return Instruction{}, err
		}
	}
	if p.TCPOffset != nil {
		if err := checkLength("tcp_offset", p.TCPOffset, 6); err != nil {
			return Instruction{}, err
		}
	}
	return Instruction{Reply: GetInverseKin(p.Pose, InverseKinOptions{
		QNear:               p.QNear,
		MaxPositionError:    p.MaxPositionError,
		MaxOrientationError: p.MaxOrientationError,
		TCPOffset:           p.TCPOffset,
	})}, nil
}

type encoderParams struct {
	Encoder int      `json:"encoder"`
	Delta   *float64 `json:"delta_tick_count"`
}

func (p encoderParams) check() error {
	if p.Encoder != 0 && p.Encoder != 1 {
		return errors.Errorf("encoder must be 0 or 1, got %d", p.Encoder)
	}
	return nil
}

func formatEncoder(render func(int) ReplyScript) formatter {
	return func(params map[string]interface{}) (Instruction, error) {
		var p encoderParams
		if err := decode(params, &p); err != nil {
			return Instruction{}, err
		}
		if p.Delta != nil {
			return Instruction{}, errors.New("delta_tick_count is not accepted")
		}
		if err := p.check(); err != nil {
			return Instruction{}, err
		}
		return Instruction{Reply: render(p.Encoder)}, nil
	}
}

func formatUnwind(params map[string]interface{}) (Instruction, error) {
	var p encoderParams
	if err := decode(params, &p); err != nil {
		return Instruction{}, err
	}
	if err := p.check(); err != nil {
		return Instruction{}, err
	}
	if p.Delta == nil {
		return Instruction{}, errors.New("delta_tick_count is required")
	}
	return Instruction{Reply: EncoderUnwindDeltaTickCount(p.Encoder, *p.Delta)}, nil
}
