package voice

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
)

// FileRecorder replays an audio file as the recorded clip. The CLI uses it in
// place of a microphone.
type FileRecorder struct {
	Path     string
	MimeType string
}

func (r *FileRecorder) Start() error {
	if _, err := os.Stat(r.Path); err != nil {
		return fmt.Errorf("voice: open recording: %w", err)
	}
	return nil
}

func (r *FileRecorder) Stop() (Audio, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return Audio{}, fmt.Errorf("voice: read recording: %w", err)
	}
	mt := r.MimeType
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(r.Path))
	}
	// treat the payload as PCM so a silent file reports no voice
	return Audio{Data: data, MimeType: mt, PCM: data}, nil
}

// ScriptedRecognizer reports a fixed list of final phrases on its first start.
type ScriptedRecognizer struct {
	Phrases []string

	mu       sync.Mutex
	listener Listener
	started  bool
	emitted  bool
}

func (s *ScriptedRecognizer) Start(l Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("voice: recognizer already started")
	}
	s.started = true
	s.listener = l
	emit := !s.emitted
	s.emitted = true
	s.mu.Unlock()
	if emit {
		for _, p := range s.Phrases {
			l.OnResult(p, true)
		}
	}
	return nil
}

func (s *ScriptedRecognizer) Stop() error {
	s.mu.Lock()
	l := s.listener
	s.started = false
	s.mu.Unlock()
	if l != nil {
		l.OnEnd()
	}
	return nil
}

func (s *ScriptedRecognizer) Abort() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}
