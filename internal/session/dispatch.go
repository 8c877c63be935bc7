package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/transport"
)

// OutboundMessage is the payload emitted for every user message.
type OutboundMessage struct {
	ID          string `json:"id"`
	Protocol    string `json:"protocolo"`
	Type        string `json:"tipo"`
	From        string `json:"de"`
	To          string `json:"para"`
	Text        string `json:"texto"`
	SentAt      string `json:"dataHora"`
	RoutingCode string `json:"afiCodigo"`
	ButtonID    string `json:"buttonId,omitempty"`
	Reference   string `json:"reference,omitempty"`
	MediaKind   string `json:"tipoMsg,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// AckError is a message ack that reported erros.
type AckError struct {
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return "session: message rejected"
	}
	return "session: message rejected: " + e.Message
}

type ackResult struct {
	Errors  json.RawMessage `json:"erros"`
	Message string          `json:"mensagem"`
	Data    *ackData        `json:"dados"`
}

type ackData struct {
	UserID  conversation.FlexString `json:"usuId"`
	MenuID  conversation.FlexString `json:"olmMenu"`
	Replies []json.RawMessage       `json:"mensagemRetorno"`
}

// outbound is a send request for one conversation entry.
type outbound struct {
	id string
	// text overrides the entry's own text, already sanitized.
	text      string
	buttonID  string
	reference string
	// done, when set, receives the ack outcome.
	done chan<- error
}

func (o outbound) finish(err error) {
	if o.done != nil {
		o.done <- err
	}
}

// dispatch emits o now when the transport is ready, otherwise once the next
// ready event arrives.
func (e *Engine) dispatch(o outbound) {
	if !e.ready || e.resetting {
		e.logger.Debug("deferring message until ready", "message_id", o.id)
		e.deferred = append(e.deferred, o)
		return
	}
	e.emit(o)
}

func (e *Engine) flushDeferred() {
	if !e.ready || e.resetting || len(e.deferred) == 0 {
		return
	}
	pending := e.deferred
	e.deferred = nil
	for _, o := range pending {
		e.emit(o)
	}
}

// failDeferred marks every queued message Failed so it can be resent once a
// session exists again.
func (e *Engine) failDeferred(err error) {
	pending := e.deferred
	e.deferred = nil
	for _, o := range pending {
		e.logger.Warn("message not sent", "message_id", o.id, "error", err)
		_ = e.conv.SetStatus(o.id, conversation.StatusFailed)
		e.metrics.ObserveDispatch("failed", -1)
		o.finish(err)
	}
}

func (e *Engine) emit(o outbound) {
	payload, ok := e.payloadFor(o)
	if !ok {
		o.finish(conversation.ErrNotFound)
		return
	}
	start := e.clock.Now()
	timeout := e.cfg.AckTimeout
	e.async(func(ctx context.Context) func() {
		ackCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		data, err := e.transport.Emit(ackCtx, transport.EmitMessage, payload).Wait(ackCtx)
		return func() { e.onAck(o, data, err, start) }
	})
}

func (e *Engine) payloadFor(o outbound) (OutboundMessage, bool) {
	m, found := e.conv.Get(o.id)
	text := o.text
	if text == "" {
		if !found {
			return OutboundMessage{}, false
		}
		text = m.Payload.Text
	}
	p := OutboundMessage{
		ID:          o.id,
		Protocol:    e.protocol,
		Type:        conversation.AuthorUser,
		From:        e.userID,
		To:          e.recipient(),
		Text:        text,
		SentAt:      conversation.FormatWireTime(e.clock.Now()),
		RoutingCode: e.cfg.RoutingCode,
		ButtonID:    o.buttonID,
		Reference:   o.reference,
	}
	if found && m.Payload.Attachment != nil {
		p.Text = m.Payload.Attachment.Key
		p.MediaKind = string(m.Payload.Attachment.Media)
		p.MimeType = m.Payload.Attachment.MimeType
	}
	return p, true
}

func (e *Engine) onAck(o outbound, data json.RawMessage, err error, start time.Time) {
	elapsed := e.clock.Now().Sub(start).Seconds()
	var res ackResult
	if err == nil {
		err = decodeAck(data, &res)
	}
	if err != nil {
		e.logger.Warn("message not accepted", "message_id", o.id, "protocol_id", e.protocol, "error", err)
		_ = e.conv.SetStatus(o.id, conversation.StatusFailed)
		e.metrics.ObserveDispatch("failed", elapsed)
		o.finish(err)
		return
	}
	_ = e.conv.SetStatus(o.id, conversation.StatusAccepted)
	e.metrics.ObserveDispatch("accepted", elapsed)
	if res.Data != nil {
		e.ingestFollowUps(res.Data)
	}
	o.finish(nil)
}

func decodeAck(data json.RawMessage, res *ackResult) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("session: decode ack: %w", err)
	}
	if truthy(res.Errors) {
		return &AckError{Message: res.Message}
	}
	return nil
}

func truthy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// ingestFollowUps turns the ack's reply items into button-menu entries. A
// single item takes olmMenu as id; several are suffixed -1..-n.
func (e *Engine) ingestFollowUps(d *ackData) {
	if len(d.Replies) == 0 {
		return
	}
	ts := e.clock.Now().UTC().Format(time.RFC3339Nano)
	base := string(d.MenuID)
	for i, item := range d.Replies {
		id := base
		switch {
		case id == "":
			id = uuid.NewString()
		case len(d.Replies) > 1:
			id = fmt.Sprintf("%s-%d", base, i+1)
		}
		w := conversation.WireMessage{
			ID:           conversation.FlexString(id),
			Status:       string(conversation.StatusAccepted),
			SentAt:       ts,
			RegisteredAt: ts,
			Protocol:     conversation.FlexString(e.protocol),
			RoutingCode:  e.cfg.RoutingCode,
			Reply:        item,
			Type:         conversation.AuthorButton,
			Sender:       d.UserID,
		}
		for _, out := range e.conv.Receive(w) {
			e.metrics.ObserveIngest(string(out.Action))
		}
	}
}

// localEntry starts a user entry stamped with the current session identity.
func (e *Engine) localEntry(kind conversation.Kind) conversation.Message {
	ts := e.clock.Now().UTC().Format(time.RFC3339Nano)
	return conversation.Message{
		ID:           uuid.NewString(),
		Kind:         kind,
		Status:       conversation.StatusPending,
		SentAt:       ts,
		RegisteredAt: ts,
		Sender:       e.userID,
		Recipient:    e.recipient(),
		Protocol:     e.protocol,
		ChannelMeta:  e.cfg.RoutingCode,
	}
}
