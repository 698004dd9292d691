package realtime

import (
	"testing"

	"go.viam.com/test"
)

func TestClassify(t *testing.T) {
	for size := 0; size <= 3*FrameSize+1; size++ {
		expected := KindGeneric
		if size%FrameSize == 0 {
			expected = KindRealtime
		}
		if got := Classify(make([]byte, size)); got != expected {
			t.Fatalf("size %d: got %v, expected %v", size, got, expected)
		}
	}
}

func TestSizeClassifier(t *testing.T) {
	c := SizeClassifier{FrameSize: 1116}
	test.That(t, c.Classify(make([]byte, 1116)), test.ShouldEqual, KindRealtime)
	test.That(t, c.Classify(make([]byte, FrameSize)), test.ShouldEqual, KindGeneric)
	test.That(t, c.Classify([]byte("Program running\n")), test.ShouldEqual, KindGeneric)

	test.That(t, c.FrameLen(), test.ShouldEqual, 1116)
	test.That(t, SizeClassifier{}.Classify(nil), test.ShouldEqual, KindGeneric)
	test.That(t, KindRealtime.String(), test.ShouldEqual, "realtime")
}

func TestLastFrame(t *testing.T) {
	test.That(t, LastFrame(make([]byte, FrameSize-1), FrameSize), test.ShouldBeNil)
	test.That(t, LastFrame(make([]byte, FrameSize), 0), test.ShouldBeNil)

	chunk := make([]byte, 2*FrameSize)
	chunk[FrameSize] = 0xAB
	frame := LastFrame(chunk, FrameSize)
	test.That(t, len(frame), test.ShouldEqual, FrameSize)
	test.That(t, frame[0], test.ShouldEqual, byte(0xAB))

	t.Run("smaller frames", func(t *testing.T) {
		chunk := make([]byte, 2*1116)
		chunk[1116] = 0xCD
		frame := LastFrame(chunk, 1116)
		test.That(t, len(frame), test.ShouldEqual, 1116)
		test.That(t, frame[0], test.ShouldEqual, byte(0xCD))
	})
}
