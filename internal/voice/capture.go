// Package voice records a voice note while a speech recognizer transcribes
// it, keeping recognition alive across benign interruptions.
package voice

import (
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

const (
	// DefaultRestartDelay is the pause before restarting recognition after a
	// benign error.
	DefaultRestartDelay = 300 * time.Millisecond
	// endWait bounds how long Stop waits for the recognizer's end callback.
	endWait = 600 * time.Millisecond
	// DefaultMimeType applies when the recorder reports none.
	DefaultMimeType = "audio/webm"
	// vadThreshold is the RMS level above which a frame counts as speech.
	vadThreshold = 10
)

var (
	ErrAlreadyRecording = errors.New("voice: already recording")
	// ErrRecognition marks a capture stopped by a fatal recognizer error.
	ErrRecognition = errors.New("voice: stt-error")
)

// Benign recognizer error codes that only trigger a restart.
const (
	CodeNetwork  = "network"
	CodeNoSpeech = "no-speech"
	CodeAborted  = "aborted"
)

// Listener receives recognizer callbacks. Capture implements it.
type Listener interface {
	OnResult(transcript string, final bool)
	OnError(code string)
	OnEnd()
}

// Recognizer is a continuous speech-to-text engine.
type Recognizer interface {
	Start(l Listener) error
	Stop() error
	Abort() error
}

// Audio is what a recorder produced.
type Audio struct {
	Data     []byte
	MimeType string
	// PCM holds unsigned 8-bit samples used for voice activity detection.
	PCM []byte
}

// Recorder captures raw audio.
type Recorder interface {
	Start() error
	Stop() (Audio, error)
}

// Result is the outcome of a capture.
type Result struct {
	DataURL    string
	MimeType   string
	Transcript string
	Interim    string
	HasVoice   bool
	Err        error
}

// HasAudio reports whether the capture produced audio.
func (r Result) HasAudio() bool { return r.DataURL != "" }

// Text is the transcript, falling back to the interim transcript.
func (r Result) Text() string {
	if t := strings.TrimSpace(r.Transcript); t != "" {
		return t
	}
	return strings.TrimSpace(r.Interim)
}

// Capture coordinates one recorder and one recognizer.
type Capture struct {
	recorder   Recorder
	recognizer Recognizer
	clock      clock.Clock
	delay      time.Duration
	logger     *logging.Logger

	mu         sync.Mutex
	recording  bool
	transcript string
	interim    string
	failed     bool
	restart    clock.Timer
	ended      chan struct{}

	// stopped holds the result of a capture ended by a fatal error until
	// the caller collects it with Stop.
	stopped *Result
}

type Option func(*Capture)

func WithClock(c clock.Clock) Option { return func(cp *Capture) { cp.clock = c } }
func WithRestartDelay(d time.Duration) Option { return func(cp *Capture) { cp.delay = d } }
func WithLogger(l *logging.Logger) Option { return func(cp *Capture) { cp.logger = l } }

// NewCapture builds a capture. recognizer may be nil, in which case only
// audio is recorded.
func NewCapture(recorder Recorder, recognizer Recognizer, opts ...Option) *Capture {
	c := &Capture{
		recorder:   recorder,
		recognizer: recognizer,
		clock:      clock.Real{},
		delay:      DefaultRestartDelay,
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recording reports whether a capture is in progress.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Start begins recording and recognition.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.transcript, c.interim, c.failed = "", "", false
	c.mu.Unlock()

	if err := c.recorder.Start(); err != nil {
		return err
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()

	if c.recognizer != nil {
		if err := c.recognizer.Start(c); err != nil {
			c.logger.Warn("voice: recognizer start failed", "error", err)
		}
	}
	return nil
}

// OnResult accumulates final transcripts and interim fragments.
func (c *Capture) OnResult(transcript string, final bool) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if final {
		c.transcript += " " + transcript
		return
	}
	c.interim = strings.TrimSpace(c.interim + " " + transcript)
}

// OnError restarts recognition after a benign error and stops the capture
// on anything else.
func (c *Capture) OnError(code string) {
	switch code {
	case CodeNetwork, CodeNoSpeech, CodeAborted:
		_ = c.recognizer.Abort()
		c.mu.Lock()
		if c.recording {
			c.scheduleRestartLocked()
		}
		c.mu.Unlock()
		return
	}
	c.logger.Warn("voice: recognition failed", "code", code)
	c.mu.Lock()
	c.transcript = ""
	c.failed = true
	c.mu.Unlock()
	go func() {
		res, ok := c.stop()
		if !ok {
			return
		}
		c.mu.Lock()
		c.stopped = &res
		c.mu.Unlock()
	}()
}

// OnEnd restarts recognition while still recording.
func (c *Capture) OnEnd() {
	c.mu.Lock()
	if c.ended != nil {
		close(c.ended)
		c.ended = nil
	}
	recording := c.recording
	c.mu.Unlock()
	if recording {
		if err := c.recognizer.Start(c); err != nil {
			c.logger.Debug("voice: recognizer restart failed", "error", err)
		}
	}
}

func (c *Capture) scheduleRestartLocked() {
	if c.restart != nil {
		c.restart.Stop()
	}
	c.restart = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.restart = nil
		recording := c.recording
		c.mu.Unlock()
		if !recording {
			return
		}
		if err := c.recognizer.Start(c); err != nil {
			c.logger.Debug("voice: recognizer restart failed", "error", err)
		}
	})
}

// Stop ends the capture and returns what was recorded. If a fatal
// recognition error already ended it, that result is returned instead; an
// idle capture returns an empty result.
func (c *Capture) Stop() Result {
	if res, ok := c.stop(); ok {
		return res
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped != nil {
		res := *c.stopped
		c.stopped = nil
		return res
	}
	return Result{}
}

func (c *Capture) stop() (Result, bool) {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return Result{}, false
	}
	c.stopped = nil
	c.recording = false
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	var ended chan struct{}
	if c.recognizer != nil {
		ended = make(chan struct{})
		c.ended = ended
	}
	c.mu.Unlock()

	if ended != nil {
		if err := c.recognizer.Stop(); err != nil {
			c.mu.Lock()
			if c.ended == ended {
				c.ended = nil
				close(ended)
			}
			c.mu.Unlock()
		}
		c.awaitEnd(ended)
	}

	audio, err := c.recorder.Stop()
	if err != nil {
		c.logger.Warn("voice: recorder stop failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{
		Transcript: strings.TrimSpace(c.transcript),
		Interim:    strings.TrimSpace(c.interim),
		HasVoice:   DetectVoice(audio.PCM),
	}
	if len(audio.Data) > 0 {
		res.MimeType = audio.MimeType
		if res.MimeType == "" {
			res.MimeType = DefaultMimeType
		}
		res.DataURL = DataURL(res.MimeType, audio.Data)
	}
	if c.failed {
		res.Err = ErrRecognition
	}
	c.transcript, c.interim, c.failed = "", "", false
	c.ended = nil
	return res, true
}

func (c *Capture) awaitEnd(ended chan struct{}) {
	done := make(chan struct{})
	t := c.clock.AfterFunc(endWait, func() { close(done) })
	defer t.Stop()
	select {
	case <-ended:
	case <-done:
	}
}

// Cancel force-stops an in-progress capture and discards its result.
func (c *Capture) Cancel() {
	c.mu.Lock()
	recording := c.recording
	c.mu.Unlock()
	if !recording {
		return
	}
	if c.recognizer != nil {
		_ = c.recognizer.Abort()
	}
	c.mu.Lock()
	c.recording = false
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	c.transcript, c.interim, c.failed = "", "", false
	c.stopped = nil
	c.mu.Unlock()
	_, _ = c.recorder.Stop()
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DetectVoice reports whether any 2048-sample frame of unsigned 8-bit PCM has
// an RMS above the speech threshold.
func DetectVoice(pcm []byte) bool {
	const frame = 2048
	for start := 0; start < len(pcm); start += frame {
		end := start + frame
		if end > len(pcm) {
			end = len(pcm)
		}
		var sum float64
		for _, s := range pcm[start:end] {
			v := float64(int(s) - 128)
			sum += v * v
		}
		if math.Sqrt(sum/float64(end-start)) > vadThreshold {
			return true
		}
	}
	return false
}
