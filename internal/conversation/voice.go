package conversation

import (
	"strings"

	"github.com/google/uuid"
)

// VoiceArtifact is a recorded clip persisted so it survives reloads.
type VoiceArtifact struct {
	ID         string `json:"id"`
	Timestamp  string `json:"ts"`
	DataURL    string `json:"dataUrl"`
	MimeType   string `json:"mime"`
	Transcript string `json:"transcript"`
	HasVoice   bool   `json:"hasVoice"`
}

// ReconcileVoice reattaches stored artifacts after history has been loaded.
// The first plain user text equal to the sanitized transcript becomes a voice
// entry; artifacts with no match are appended as accepted voice entries
// built from base. It returns how many entries were converted in place.
func (c *Conversation) ReconcileVoice(artifacts []VoiceArtifact, base Message) int {
	converted := 0
	for _, a := range artifacts {
		if a.DataURL == "" {
			continue
		}
		mime := a.MimeType
		if mime == "" {
			mime = "audio/webm"
		}
		clip := &VoiceClip{ArtifactID: a.ID, DataURL: a.DataURL, MimeType: mime, HasVoice: a.HasVoice}
		transcript := strings.TrimSpace(a.Transcript)

		if transcript != "" {
			want := Sanitize(transcript)
			matched := false
			for i := range c.entries {
				e := &c.entries[i]
				if e.Kind == KindUserText && e.Voice == nil && e.Payload.Attachment == nil &&
					strings.TrimSpace(e.Payload.Text) == want {
					e.Kind = KindVoiceAudio
					e.Voice = clip
					e.Transcript = transcript
					converted++
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}

		m := base
		m.ID = uuid.NewString()
		m.Kind = KindVoiceAudio
		m.Status = StatusAccepted
		m.SentAt = a.Timestamp
		m.RegisteredAt = a.Timestamp
		m.Payload = Payload{}
		m.Transcript = transcript
		m.Voice = clip
		c.appendEntry(m)
	}
	return converted
}
