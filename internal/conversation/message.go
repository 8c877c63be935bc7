// Package conversation holds the ordered conversation for one chat session and
// the reconciliation rules that fold inbound, local and voice messages into it.
package conversation

// Kind classifies a conversation entry.
type Kind string

const (
	KindUserText   Kind = "user_text"
	KindAIText     Kind = "ai_text"
	KindAgentText  Kind = "agent_text"
	KindButtonMenu Kind = "button_menu"
	KindSystem     Kind = "system"
	KindVoiceAudio Kind = "voice_audio"
)

// UserAuthored reports whether entries of this kind come from the local user.
func (k Kind) UserAuthored() bool {
	return k == KindUserText || k == KindVoiceAudio
}

// Status is the delivery status of an entry. Values match the peer's olmStatus.
type Status string

const (
	StatusPending  Status = "P"
	StatusAccepted Status = "A"
	StatusFailed   Status = "N"
	StatusErrorAck Status = "E"
)

// MediaKind is the attachment family (olmTipoMsg).
type MediaKind string

const (
	MediaImage    MediaKind = "IMG"
	MediaDocument MediaKind = "DOC"
	MediaVideo    MediaKind = "VID"
)

// Valid reports whether m is a known attachment family.
func (m MediaKind) Valid() bool {
	return m == MediaImage || m == MediaDocument || m == MediaVideo
}

// Attachment references an uploaded file by its storage key.
type Attachment struct {
	Key      string
	Media    MediaKind
	MimeType string
}

// VoiceClip is recorded audio kept alongside a VoiceAudio entry.
type VoiceClip struct {
	ArtifactID string
	DataURL    string
	MimeType   string
	HasVoice   bool
}

// Payload is the tagged content of an entry: exactly one of Menu or
// Attachment is set, otherwise the entry is plain Text.
type Payload struct {
	Text       string
	Menu       *Menu
	Attachment *Attachment
}

// IsEmpty reports whether the payload carries nothing at all.
func (p Payload) IsEmpty() bool {
	return p.Text == "" && p.Menu == nil && p.Attachment == nil
}

// Message is one entry of the conversation.
type Message struct {
	ID           string
	Kind         Kind
	Status       Status
	SentAt       string
	RegisteredAt string
	Sender       string
	Recipient    string
	Protocol     string
	ChannelMeta  string
	Payload      Payload
	Transcript   string
	Voice        *VoiceClip
	Trigger      string

	// Inert menus can no longer be selected.
	Inert bool
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.Payload.Menu != nil {
		menu := *m.Payload.Menu
		menu.Options = append([]MenuOption(nil), m.Payload.Menu.Options...)
		out.Payload.Menu = &menu
	}
	if m.Payload.Attachment != nil {
		att := *m.Payload.Attachment
		out.Payload.Attachment = &att
	}
	if m.Voice != nil {
		v := *m.Voice
		out.Voice = &v
	}
	return out
}

// merge overlays the non-zero fields of in onto m.
func (m *Message) merge(in Message) {
	if in.Status != "" {
		m.Status = in.Status
	}
	if in.SentAt != "" {
		m.SentAt = in.SentAt
	}
	if in.RegisteredAt != "" {
		m.RegisteredAt = in.RegisteredAt
	}
	if in.Sender != "" {
		m.Sender = in.Sender
	}
	if in.Recipient != "" {
		m.Recipient = in.Recipient
	}
	if in.Protocol != "" {
		m.Protocol = in.Protocol
	}
	if in.ChannelMeta != "" {
		m.ChannelMeta = in.ChannelMeta
	}
	if !in.Payload.IsEmpty() {
		m.Payload = in.Payload
	}
	if in.Transcript != "" {
		m.Transcript = in.Transcript
	}
	if in.Voice != nil {
		m.Voice = in.Voice
	}
	if in.Trigger != "" {
		m.Trigger = in.Trigger
	}
}
