package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/transport"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

// clientMessage is the payload of the mensagem emit.
type clientMessage struct {
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

type ackBody struct {
	Errors  bool     `json:"erros"`
	Message string   `json:"mensagem,omitempty"`
	Data    *ackData `json:"dados,omitempty"`
}

type ackData struct {
	UserID  string            `json:"usuId"`
	MenuID  string            `json:"olmMenu,omitempty"`
	Replies []json.RawMessage `json:"mensagemRetorno,omitempty"`
}

type readyBody struct {
	Errors  bool                       `json:"erros"`
	Message string                     `json:"mensagem,omitempty"`
	History []conversation.WireMessage `json:"retorno"`
	Status  SessionStatus              `json:"sts"`
}

// socketConn is one authenticated widget connection.
type socketConn struct {
	conn     *websocket.Conn
	protocol string
	userID   string

	writeMu sync.Mutex
}

func (c *socketConn) send(f transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.JSON.Send(c.conn, f)
}

func (c *socketConn) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.send(transport.Frame{Type: transport.FrameEvent, Event: name, Data: data})
}

// Hub manages widget socket connections, one per protocol.
type Hub struct {
	registry *Registry
	bot      *Bot
	now      func() time.Time
	logger   *logging.Logger

	mu    sync.RWMutex
	conns map[string]*socketConn // protocol -> active connection
}

// NewHub creates a hub. A nil bot leaves user messages unanswered.
func NewHub(registry *Registry, bot *Bot, now func() time.Time, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Hub{
		registry: registry,
		bot:      bot,
		now:      now,
		logger:   logger,
		conns:    make(map[string]*socketConn),
	}
}

// ServeHTTP upgrades to a websocket. Origin is not checked.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Server{Handler: h.serve}.ServeHTTP(w, r)
}

// Connected reports whether a widget is attached to protocol.
func (h *Hub) Connected(protocol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[protocol]
	return ok
}

// Push sends an event to the widget attached to protocol. It reports whether
// one was attached.
func (h *Hub) Push(protocol, event string, payload any) bool {
	h.mu.RLock()
	c := h.conns[protocol]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	if err := c.event(event, payload); err != nil {
		h.logger.Warn("devserver: push failed", "protocol_id", protocol, "event", event, "error", err)
		return false
	}
	return true
}

// Drop closes the connection of protocol, as the backend does when it goes
// away.
func (h *Hub) Drop(protocol string) bool {
	h.mu.Lock()
	c := h.conns[protocol]
	delete(h.conns, protocol)
	h.mu.Unlock()
	if c == nil {
		return false
	}
	_ = c.conn.Close()
	return true
}

func (h *Hub) serve(conn *websocket.Conn) {
	var first transport.Frame
	if err := websocket.JSON.Receive(conn, &first); err != nil {
		h.logger.Debug("devserver: socket closed before auth", "error", err)
		return
	}
	var auth transport.Auth
	if first.Type != transport.FrameAuth || json.Unmarshal(first.Data, &auth) != nil || auth.Protocol == "" {
		_ = websocket.JSON.Send(conn, transport.Frame{Type: transport.FrameEvent, Event: transport.EventReady,
			Data: mustJSON(readyBody{Errors: true, Message: "autenticação inválida"})})
		return
	}

	sc := &socketConn{conn: conn, protocol: auth.Protocol, userID: auth.UserID}
	session, err := h.registry.Get(auth.Protocol)
	if err != nil {
		_ = sc.event(transport.EventReady, readyBody{Errors: true, Message: "protocolo desconhecido"})
		return
	}

	h.mu.Lock()
	prev := h.conns[auth.Protocol]
	h.conns[auth.Protocol] = sc
	h.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	defer func() {
		h.mu.Lock()
		if h.conns[auth.Protocol] == sc {
			delete(h.conns, auth.Protocol)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("devserver: widget connected", "protocol_id", auth.Protocol, "user_id", auth.UserID, "channel", auth.Channel)
	history := session.History
	if history == nil {
		history = []conversation.WireMessage{}
	}
	_ = sc.event(transport.EventReady, readyBody{History: history, Status: session.Status})
	if session.Status == StatusQueued && session.Queue > 0 {
		_ = sc.event(transport.EventQueuePosition, map[string]int{"posicao": session.Queue})
	}

	for {
		var f transport.Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			h.logger.Debug("devserver: widget disconnected", "protocol_id", auth.Protocol, "error", err)
			return
		}
		if f.Type != transport.FrameEmit {
			continue
		}
		h.handleEmit(sc, f)
	}
}

func (h *Hub) handleEmit(sc *socketConn, f transport.Frame) {
	if f.Event != transport.EmitMessage {
		_ = sc.send(transport.Frame{Type: transport.FrameAck, ID: f.ID, Error: "evento desconhecido: " + f.Event})
		return
	}
	var msg clientMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		_ = sc.send(transport.Frame{Type: transport.FrameAck, ID: f.ID, Error: "mensagem inválida"})
		return
	}

	body, echo, reply := h.accept(sc, msg)
	_ = sc.send(transport.Frame{Type: transport.FrameAck, ID: f.ID, Data: mustJSON(body)})
	if body.Errors {
		return
	}
	_ = sc.event(transport.EventMessage, echo)
	h.deliver(sc.protocol, reply)
}

// accept validates and records a user message, and asks the bot for an
// answer while no agent owns the session.
func (h *Hub) accept(sc *socketConn, msg clientMessage) (ackBody, conversation.WireMessage, BotReply) {
	if strings.TrimSpace(msg.Text) == "" {
		return ackBody{Errors: true, Message: "mensagem vazia"}, conversation.WireMessage{}, BotReply{}
	}
	session, err := h.registry.Get(sc.protocol)
	if err != nil {
		return ackBody{Errors: true, Message: "protocolo desconhecido"}, conversation.WireMessage{}, BotReply{}
	}
	if session.Status == StatusFinished {
		return ackBody{Errors: true, Message: "atendimento finalizado"}, conversation.WireMessage{}, BotReply{}
	}

	sender := msg.From
	if sender == "" {
		sender = sc.userID
	}
	echo := conversation.WireMessage{
		ID:           conversation.FlexString(msg.ID),
		Status:       string(conversation.StatusAccepted),
		SentAt:       msg.SentAt,
		RegisteredAt: h.now().UTC().Format(time.RFC3339),
		Protocol:     conversation.FlexString(sc.protocol),
		RoutingCode:  session.RoutingCode,
		ClientText:   msg.Text,
		Type:         conversation.AuthorUser,
		Sender:       conversation.FlexString(sender),
		Recipient:    conversation.FlexString(msg.To),
		MediaKind:    msg.MediaKind,
		MimeType:     msg.MimeType,
	}
	if err := h.registry.Append(sc.protocol, echo); err != nil {
		return ackBody{Errors: true, Message: err.Error()}, conversation.WireMessage{}, BotReply{}
	}

	var reply BotReply
	if h.bot != nil && session.AgentID == "" && session.Status == StatusActive {
		reply = h.bot.Reply(session, msg.Text, msg.MediaKind)
	}
	body := ackBody{Message: "Mensagem recebida", Data: &ackData{UserID: sender}}
	if len(reply.FollowUps) > 0 {
		body.Data.MenuID = reply.MenuID
		body.Data.Replies = reply.FollowUps
	}
	return body, echo, reply
}

func (h *Hub) deliver(protocol string, reply BotReply) {
	for _, m := range reply.Messages {
		if err := h.registry.Append(protocol, m); err != nil {
			h.logger.Warn("devserver: bot reply dropped", "protocol_id", protocol, "error", err)
			return
		}
		h.Push(protocol, transport.EventMessage, m)
	}
	if !reply.Handoff {
		return
	}
	s, err := h.registry.Update(protocol, false, func(s *ChatSession) {
		s.Status = StatusQueued
		s.Queue = 1
	})
	if err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			h.logger.Warn("devserver: queue handoff failed", "protocol_id", protocol, "error", err)
		}
		return
	}
	h.Push(protocol, transport.EventQueuePosition, map[string]int{"posicao": s.Queue})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
