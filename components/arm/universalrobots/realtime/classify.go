package realtime

// Kind is the class of a chunk read from the controller socket.
type Kind int

const (
	// KindGeneric is anything that is not a telemetry frame: script acknowledgements, error
	// text and other replies.
	KindGeneric Kind = iota
	// KindRealtime is one or more whole telemetry frames.
	KindRealtime
)

func (k Kind) String() string {
	if k == KindRealtime {
		return "realtime"
	}
	return "generic"
}

// A Classifier decides what a freshly read chunk of bytes is. The controller does not frame its
// replies, so any implementation is a heuristic.
type Classifier interface {
	Classify(chunk []byte) Kind
}

// A Framer is a Classifier that knows how long the frames it accepts are.
type Framer interface {
	Classifier
	FrameLen() int
}

// SizeClassifier treats a chunk as telemetry when its length is an exact multiple of FrameSize.
// A generic reply whose length happens to be such a multiple is misclassified; nothing on the
// wire distinguishes the two.
type SizeClassifier struct {
	FrameSize int
}

// Classify implements Classifier.
func (c SizeClassifier) Classify(chunk []byte) Kind {
	if c.FrameSize <= 0 {
		return KindGeneric
	}
	if len(chunk)%c.FrameSize == 0 {
		return KindRealtime
	}
	return KindGeneric
}

// FrameLen implements Framer.
func (c SizeClassifier) FrameLen() int {
	return c.FrameSize
}

// DefaultClassifier classifies against FrameSize.
var DefaultClassifier Classifier = SizeClassifier{FrameSize: FrameSize}

// Classify classifies a chunk with DefaultClassifier.
func Classify(chunk []byte) Kind {
	return DefaultClassifier.Classify(chunk)
}

// LastFrame returns the newest whole frame of size bytes held by a realtime chunk. It returns
// nil when the chunk holds no complete frame.
func LastFrame(chunk []byte, size int) []byte {
	if size <= 0 || len(chunk) < size {
		return nil
	}
	end := len(chunk) - len(chunk)%size
	return chunk[end-size : end]
}
