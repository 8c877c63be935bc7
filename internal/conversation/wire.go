package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Author codes (olmTipo).
const (
	AuthorUser   = "US"
	AuthorAI     = "IA"
	AuthorAgent  = "AT"
	AuthorButton = "BT"
	AuthorInfo   = "IF"
)

// FlexString accepts JSON strings and numbers. The peer sends ids both ways.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// WireMessage is a message exactly as exchanged with the peer.
type WireMessage struct {
	ID           FlexString      `json:"olmId"`
	Status       string          `json:"olmStatus,omitempty"`
	SentAt       string          `json:"olmDataHoraEnvio,omitempty"`
	RegisteredAt string          `json:"olmDatahoraRegistro,omitempty"`
	Protocol     FlexString      `json:"olmProtocoloConversa,omitempty"`
	RoutingCode  string          `json:"afiCodigo,omitempty"`
	ClientText   string          `json:"olmMensagemCliente,omitempty"`
	Reply        json.RawMessage `json:"olmRespostaIa,omitempty"`
	Type         string          `json:"olmTipo"`
	Sender       FlexString      `json:"usuId,omitempty"`
	Recipient    FlexString      `json:"para,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	MediaKind    string          `json:"olmTipoMsg,omitempty"`
	MimeType     string          `json:"olmMimeType,omitempty"`
}

// ParseMessage decodes a message-received payload: either the message
// object or a two-element array whose second element is the message.
func ParseMessage(data []byte) (WireMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return WireMessage{}, &ParseError{Reason: "empty payload"}
	}
	if data[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return WireMessage{}, &ParseError{Reason: "invalid array envelope", Err: err}
		}
		if len(parts) < 2 {
			return WireMessage{}, &ParseError{Reason: fmt.Sprintf("array envelope has %d elements", len(parts))}
		}
		data = bytes.TrimSpace(parts[1])
	}
	if len(data) == 0 || data[0] != '{' {
		return WireMessage{}, &ParseError{Reason: "message is not an object"}
	}
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return WireMessage{}, &ParseError{Reason: "invalid message", Err: err}
	}
	if err := msg.validate(); err != nil {
		return WireMessage{}, err
	}
	return msg, nil
}

func (w WireMessage) validate() error {
	switch strings.ToUpper(w.Type) {
	case AuthorUser, AuthorAI, AuthorAgent, AuthorButton, AuthorInfo:
	case "":
		return &ParseError{Field: "olmTipo", Reason: "missing"}
	default:
		return &ParseError{Field: "olmTipo", Reason: fmt.Sprintf("unknown author %q", w.Type)}
	}
	if w.Status != "" {
		switch Status(w.Status) {
		case StatusPending, StatusAccepted, StatusFailed, StatusErrorAck:
		default:
			return &ParseError{Field: "olmStatus", Reason: fmt.Sprintf("unknown status %q", w.Status)}
		}
	}
	return nil
}

// ReplyVariants returns the elements of an array-valued reply, or nil.
func (w WireMessage) ReplyVariants() []json.RawMessage {
	raw := bytes.TrimSpace(w.Reply)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var variants []json.RawMessage
	if err := json.Unmarshal(raw, &variants); err != nil {
		return nil
	}
	return variants
}

// ReplyText returns the reply as text when it is a JSON string (or bare text).
func (w WireMessage) ReplyText() string {
	raw := bytes.TrimSpace(w.Reply)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// RequestsHandoff reports whether the message asks for a human agent.
func (w WireMessage) RequestsHandoff() bool {
	if strings.EqualFold(w.Trigger, "ATEND") {
		return true
	}
	for _, v := range w.ReplyVariants() {
		var item struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(v, &item) == nil && strings.EqualFold(item.Event, "TR_ATEND") {
			return true
		}
	}
	return false
}

// Ignorable reports the empty self-echo the peer emits for user messages.
func (w WireMessage) Ignorable() bool {
	return string(w.Sender) == AuthorUser &&
		strings.EqualFold(w.Type, AuthorUser) &&
		w.ClientText == "" &&
		w.ReplyText() == ""
}

// Candidates converts the wire message into conversation entries. Button
// menus with more than one variant expand into siblings id-1..id-N.
func (w WireMessage) Candidates() []Message {
	if strings.EqualFold(w.Type, AuthorButton) {
		if variants := w.ReplyVariants(); len(variants) > 1 {
			base := string(w.ID)
			if base == "" {
				base = uuid.NewString()
			}
			out := make([]Message, 0, len(variants))
			for i, v := range variants {
				part := w
				part.ID = FlexString(base + "-" + strconv.Itoa(i+1))
				part.Reply = v
				out = append(out, part.toMessage())
			}
			return out
		}
	}
	return []Message{w.toMessage()}
}

func (w WireMessage) toMessage() Message {
	m := Message{
		ID:           string(w.ID),
		Status:       Status(w.Status),
		SentAt:       w.SentAt,
		RegisteredAt: w.RegisteredAt,
		Sender:       string(w.Sender),
		Recipient:    string(w.Recipient),
		Protocol:     string(w.Protocol),
		ChannelMeta:  w.RoutingCode,
		Trigger:      w.Trigger,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusAccepted
	}

	switch strings.ToUpper(w.Type) {
	case AuthorUser:
		m.Kind = KindUserText
		m.Payload.Text = w.ClientText
	case AuthorAI:
		m.Kind = KindAIText
		m.Payload.Text = w.ReplyText()
	case AuthorAgent:
		m.Kind = KindAgentText
		m.Payload.Text = w.ReplyText()
		if m.Payload.Text == "" {
			m.Payload.Text = w.ClientText
		}
	case AuthorButton:
		m.Kind = KindButtonMenu
		m.Payload = decodeMenuContent(w.Reply)
	default:
		m.Kind = KindSystem
		m.Payload.Text = w.ReplyText()
		if m.Payload.Text == "" {
			m.Payload.Text = w.ClientText
		}
	}

	if media := MediaKind(strings.ToUpper(w.MediaKind)); media.Valid() {
		key := w.ClientText
		if key == "" {
			key = w.ReplyText()
		}
		m.Payload = Payload{Attachment: &Attachment{Key: key, Media: media, MimeType: w.MimeType}}
	}
	return m
}

// ToWire renders an entry back into the peer's format.
func ToWire(m Message) WireMessage {
	w := WireMessage{
		ID:           FlexString(m.ID),
		Status:       string(m.Status),
		SentAt:       m.SentAt,
		RegisteredAt: m.RegisteredAt,
		Protocol:     FlexString(m.Protocol),
		RoutingCode:  m.ChannelMeta,
		Sender:       FlexString(m.Sender),
		Recipient:    FlexString(m.Recipient),
		Trigger:      m.Trigger,
	}
	text := m.Payload.Text
	switch m.Kind {
	case KindUserText, KindVoiceAudio:
		w.Type = AuthorUser
		w.ClientText = text
		if m.Kind == KindVoiceAudio {
			w.ClientText = m.Transcript
		}
	case KindAIText:
		w.Type = AuthorAI
	case KindAgentText:
		w.Type = AuthorAgent
	case KindButtonMenu:
		w.Type = AuthorButton
	default:
		w.Type = AuthorInfo
	}
	if w.Type != AuthorUser {
		switch {
		case m.Payload.Menu != nil && len(m.Payload.Menu.Raw) > 0:
			w.Reply = m.Payload.Menu.Raw
		case text != "":
			w.Reply, _ = json.Marshal(text)
		}
	}
	if att := m.Payload.Attachment; att != nil {
		w.MediaKind = string(att.Media)
		w.MimeType = att.MimeType
		w.ClientText = att.Key
	}
	return w
}
