package session

import (
	"context"

	"github.com/wolfman30/chat-session-engine/internal/storage"
)

const (
	minFontSize = 0.8
	maxFontSize = 1.5
)

// Preferences are the accessibility settings kept across sessions.
type Preferences struct {
	TTS          bool    `json:"tts"`
	STT          bool    `json:"stt"`
	SignLanguage bool    `json:"signLanguage"`
	DarkMode     bool    `json:"darkMode"`
	FontSize     float64 `json:"fontSize"`
	AutoTTS      bool    `json:"autoTts"`
}

// DefaultPreferences returns the settings used when nothing is stored.
func DefaultPreferences() Preferences {
	return Preferences{TTS: true, STT: true, FontSize: 1.0}
}

// Normalize clamps FontSize into the supported range.
func (p Preferences) Normalize() Preferences {
	switch {
	case p.FontSize == 0:
		p.FontSize = 1.0
	case p.FontSize < minFontSize:
		p.FontSize = minFontSize
	case p.FontSize > maxFontSize:
		p.FontSize = maxFontSize
	}
	return p
}

// LoadPreferences reads stored preferences over the defaults. Fields missing
// from the stored document keep their default values.
func LoadPreferences(ctx context.Context, s storage.Store) (Preferences, error) {
	p := DefaultPreferences()
	if _, err := storage.GetJSON(ctx, s, storage.KeyPreferences, &p); err != nil {
		return DefaultPreferences(), err
	}
	return p.Normalize(), nil
}

// SavePreferences persists p after normalizing it.
func SavePreferences(ctx context.Context, s storage.Store, p Preferences) error {
	return storage.SetJSON(ctx, s, storage.KeyPreferences, p.Normalize())
}
