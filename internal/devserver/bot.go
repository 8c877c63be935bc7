package devserver

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
)

const (
	handoffReply    = "Vou transferir você para um de nossos atendentes."
	attachmentReply = "Arquivo recebido, obrigado!"
)

// serviceMenu is offered when the user types "menu".
var serviceMenu = json.RawMessage(`{"menu":{"text":"Como posso ajudar?","buttons":[` +
	`{"id":"1","label":"Segunda via"},` +
	`{"id":"2","label":"Falar com atendente"},` +
	`{"id":"3","label":"Site","url":"https://example.com"}]}}`)

// BotReply is what the automated assistant answers to one user message.
type BotReply struct {
	// Messages are pushed as message events after the ack.
	Messages []conversation.WireMessage
	// FollowUps ride on the ack as mensagemRetorno under MenuID.
	FollowUps []json.RawMessage
	MenuID    string
	// Handoff moves the session into the agent queue.
	Handoff bool
}

// Bot is a scripted assistant standing in for the AI backend.
type Bot struct {
	now func() time.Time
}

func NewBot(now func() time.Time) *Bot {
	if now == nil {
		now = time.Now
	}
	return &Bot{now: now}
}

// Reply answers text sent on s. media is the attachment family, if any.
func (b *Bot) Reply(s ChatSession, text, media string) BotReply {
	plain := strings.TrimSpace(conversation.Display(text))
	lower := strings.ToLower(plain)
	switch {
	case media != "":
		return BotReply{Messages: []conversation.WireMessage{b.aiMessage(s, attachmentReply, "")}}
	case strings.Contains(lower, "atendente"):
		return BotReply{
			Messages: []conversation.WireMessage{b.aiMessage(s, handoffReply, "ATEND")},
			Handoff:  true,
		}
	case lower == "menu":
		return BotReply{FollowUps: []json.RawMessage{serviceMenu}, MenuID: uuid.NewString()}
	case plain == "":
		return BotReply{}
	}
	return BotReply{Messages: []conversation.WireMessage{b.aiMessage(s, "Recebi sua mensagem: "+plain, "")}}
}

func (b *Bot) aiMessage(s ChatSession, text, trigger string) conversation.WireMessage {
	reply, _ := json.Marshal(text)
	ts := b.now().UTC().Format(time.RFC3339)
	return conversation.WireMessage{
		ID:           conversation.FlexString(uuid.NewString()),
		Status:       string(conversation.StatusAccepted),
		SentAt:       ts,
		RegisteredAt: ts,
		Protocol:     conversation.FlexString(s.Protocol),
		RoutingCode:  s.RoutingCode,
		Reply:        reply,
		Type:         conversation.AuthorAI,
		Recipient:    conversation.FlexString(s.ClientID),
		Trigger:      trigger,
	}
}
