// Package ffmpeg provides a robot camera feed that runs ffmpeg and republishes its MJPEG output
// one JPEG frame at a time.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
	"go.viam.com/urbridge/utils"
)

const (
	defaultQuality = 5
	maxFrameSize   = 8 << 20
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// A Runner writes the MJPEG stream of one ffmpeg run to w and returns when the process exits.
// It must return once ctx is done.
type Runner func(ctx context.Context, w io.Writer) error

// Option customizes a Source.
type Option func(*Source)

// WithRunner replaces the ffmpeg process.
func WithRunner(r Runner) Option {
	return func(s *Source) { s.runner = r }
}

// WithRestartBackoff replaces the wait between two ffmpeg runs.
func WithRestartBackoff(b universalrobots.Backoff) Option {
	return func(s *Source) { s.backoff = b }
}

// Source is a camera feed shared by every session of a robot.
type Source struct {
	name    string
	logger  logging.Logger
	runner  Runner
	backoff universalrobots.Backoff

	frames  atomic.Int64
	runs    atomic.Int64
	workers utils.StoppableWorkers

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewSource starts ffmpeg for cfg in the background. ffmpeg is restarted with backoff until
// the source is closed.
func NewSource(name string, cfg config.Video, logger logging.Logger, opts ...Option) (*Source, error) {
	s := &Source{
		name:    name,
		logger:  logger,
		backoff: universalrobots.DefaultBackoff(),
		subs:    map[chan []byte]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runner == nil {
		// make sure ffmpeg is in the path before doing anything else
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, err
		}
		s.runner = commandRunner(cfg)
	}
	s.workers = utils.NewStoppableWorkers(context.Background(), s.run)
	return s, nil
}

// commandRunner reads cfg.Input and writes MJPEG to the pipe.
func commandRunner(cfg config.Video) Runner {
	inArgs := map[string]interface{}{}
	if cfg.Format != "" {
		inArgs["f"] = cfg.Format
	}
	quality := cfg.Quality
	if quality <= 0 {
		quality = defaultQuality
	}
	outArgs := map[string]interface{}{
		"format": "mjpeg",
		"q:v":    quality,
	}
	if cfg.FrameRate > 0 {
		outArgs["r"] = cfg.FrameRate
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		outArgs["s"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	}
	return func(ctx context.Context, w io.Writer) error {
		stream := ffmpeg.Input(cfg.Input, inArgs).Output("pipe:", outArgs)
		stream.Context = ctx
		return stream.WithOutput(w).Run()
	}
}

// Subscribe returns a channel of JPEG frames and a function that ends the subscription. Only
// the newest frame is kept for a subscriber that falls behind.
func (s *Source) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Frames counts the frames published so far.
func (s *Source) Frames() int64 {
	return s.frames.Load()
}

// Runs counts the ffmpeg runs started so far.
func (s *Source) Runs() int64 {
	return s.runs.Load()
}

// Close stops ffmpeg and ends every subscription.
func (s *Source) Close() error {
	s.workers.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = map[chan []byte]struct{}{}
	return nil
}

func (s *Source) run(ctx context.Context) {
	failures := 0
	for {
		frames, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if frames > 0 {
			failures = 0
		}
		failures++
		wait := s.backoff.Next(failures)
		s.logger.Warnw("video feed stopped, restarting", "robot", s.name, "frames", frames, "wait", wait, "error", err)
		if !goutils.SelectContextOrWait(ctx, wait) {
			return
		}
	}
}

// runOnce runs ffmpeg until it exits and returns how many frames it produced.
func (s *Source) runOnce(ctx context.Context) (int, error) {
	s.runs.Inc()
	pr, pw := io.Pipe()
	var runErr error
	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(done)
		runErr = s.runner(ctx, pw)
		goutils.UncheckedError(pw.CloseWithError(runErr))
	})

	frames := 0
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	scanner.Split(SplitJPEG)
	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		s.publish(frame)
		frames++
	}
	scanErr := scanner.Err()
	goutils.UncheckedError(pr.Close())
	<-done
	if runErr == nil && scanErr != nil {
		runErr = errors.Wrap(scanErr, "cannot read frames")
	}
	return frames, runErr
}

func (s *Source) publish(frame []byte) {
	s.frames.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		// newest wins
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// SplitJPEG is a bufio.SplitFunc returning one complete JPEG image, from its SOI marker to its
// EOI marker, per token. Bytes outside of an image are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// the last byte may be the first half of a marker
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}
