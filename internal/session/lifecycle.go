package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/internal/transport"
)

const (
	connectBind      = "bind"
	connectReconnect = "reconnect"

	// queueStatusWaiting is the history status of a session still in the queue.
	queueStatusWaiting = "E"
)

// readyPayload is the history delivered with the ready event.
type readyPayload struct {
	Errors  bool              `json:"erros"`
	History []json.RawMessage `json:"retorno"`
	Status  string            `json:"sts"`
}

func (e *Engine) boot() {
	ctx := e.runCtx
	prefs, err := LoadPreferences(ctx, e.prefsStore)
	if err != nil {
		e.logger.Warn("failed to load preferences, using defaults", "error", err)
	}
	e.prefs = prefs

	protocol, err := storage.Protocol(ctx, e.store)
	if err != nil {
		e.logger.Warn("failed to read persisted protocol", "error", err)
	}
	if protocol == "" {
		e.createSession()
		return
	}
	e.protocol = protocol
	e.logger.Info("resuming persisted session", "protocol_id", protocol)
	e.bindRoom(false)
}

func (e *Engine) createSession() {
	e.setState(StateCreatingSession)
	channel := e.channel()
	e.async(func(ctx context.Context) func() {
		protocol, err := e.backend.CreateSession(ctx, channel)
		return func() {
			if err != nil {
				e.logger.Error("failed to create session", "error", err)
				e.setState(StateNoSession)
				e.notify("Erro", "Não foi possível iniciar o atendimento.")
				return
			}
			e.adoptProtocol(protocol)
			e.bindRoom(false)
		}
	})
}

func (e *Engine) adoptProtocol(protocol string) {
	e.protocol = protocol
	if err := storage.SetProtocol(e.runCtx, e.store, protocol); err != nil {
		e.logger.Warn("failed to persist protocol", "protocol_id", protocol, "error", err)
	}
}

// bindRoom fetches the room and connects. With preserve the visible
// conversation is kept and history is not reloaded.
func (e *Engine) bindRoom(preserve bool) {
	e.setState(StateEstablishingRoom)
	e.bindSeq++
	req := &bindRequest{seq: e.bindSeq, preserve: preserve}
	token, hash := e.cfg.RoomToken, e.cfg.RoomHash
	e.async(func(ctx context.Context) func() {
		info, err := e.backend.GetRoomInfo(ctx, token, hash)
		return func() { e.onRoomInfo(req, info, err) }
	})
}

func (e *Engine) onRoomInfo(req *bindRequest, info *backend.RoomInfo, err error) {
	if req.seq != e.bindSeq {
		return
	}
	if err == nil && info == nil {
		err = errors.New("empty room info")
	}
	if err != nil {
		e.logger.Error("failed to fetch room info", "protocol_id", e.protocol, "error", err)
		e.armReconnect(e.cfg.ReconnectRetryDelay, func() { e.bindRoom(req.preserve) })
		return
	}
	if info.Finished() {
		e.logger.Info("room already finished", "protocol_id", e.protocol)
		e.room = info
		e.finishSession()
		if err := storage.MarkReset(e.runCtx, e.store); err != nil {
			e.logger.Warn("failed to set reset marker", "error", err)
		}
		return
	}

	e.room = info
	e.userID = info.ClientID
	e.binding = req
	mode := "rejoin"
	if req.preserve {
		mode = "enter_queue"
	}
	e.logger.Info("binding room", "protocol_id", e.protocol, "user_id", e.userID, "mode", mode)
	e.connect(connectBind)
}

func (e *Engine) auth() transport.Auth {
	return transport.Auth{
		UserID:   e.userID,
		Protocol: e.protocol,
		Type:     conversation.AuthorUser,
		Channel:  e.channel(),
	}
}

func (e *Engine) connect(reason string) {
	e.ready = false
	auth := e.auth()
	e.async(func(ctx context.Context) func() {
		err := e.transport.Connect(ctx, auth)
		return func() { e.onConnected(reason, err) }
	})
}

func (e *Engine) onConnected(reason string, err error) {
	if e.state == StateEnded {
		if err == nil {
			_ = e.transport.Disconnect()
		}
		return
	}
	if err != nil {
		e.logger.Warn("connect failed", "reason", reason, "protocol_id", e.protocol, "error", err)
		if reason == connectReconnect {
			e.metrics.ObserveReconnect("failed")
		}
		e.armReconnect(e.cfg.ReconnectRetryDelay, e.tryReconnect)
		return
	}
	if reason == connectReconnect {
		e.metrics.ObserveReconnect("ok")
	}
}

func (e *Engine) canReconnect() bool {
	return e.state != StateEnded && e.protocol != "" && e.userID != "" && e.channel() != ""
}

// tryReconnect waits the pre-delay and reconnects with the persisted identity.
func (e *Engine) tryReconnect() {
	if !e.canReconnect() {
		return
	}
	e.armReconnect(e.cfg.ReconnectDelay, func() {
		if !e.canReconnect() {
			return
		}
		e.metrics.ObserveReconnect("attempt")
		e.logger.Info("reconnecting", "protocol_id", e.protocol, "user_id", e.userID)
		e.connect(connectReconnect)
	})
}

// armReconnect replaces any pending reconnect step with fn after d. Steps
// never run once the session has ended.
func (e *Engine) armReconnect(d time.Duration, fn func()) {
	e.stopReconnect()
	gen := e.reconnectGen
	e.reconnectTimer = e.loop.AfterFunc(d, func() {
		if gen != e.reconnectGen || e.state == StateEnded {
			return
		}
		e.reconnectTimer = nil
		fn()
	})
}

func (e *Engine) stopReconnect() {
	e.reconnectGen++
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Name {
	case transport.EventConnect:
		e.logger.Debug("transport connected", "protocol_id", e.protocol)
	case transport.EventDisconnect:
		e.onDisconnected(ev.Err)
	case transport.EventReady:
		e.onReady(ev.Data)
	case transport.EventQueuePosition:
		e.onQueuePosition(ev.Data)
	case transport.EventServiceStarted:
		e.onServiceStarted(ev.Data)
	case transport.EventServiceEnded:
		e.onServiceEnded()
	case transport.EventMessage:
		e.onMessage(ev.Data)
	default:
		e.logger.Debug("ignoring transport event", "event", ev.Name)
	}
}

func (e *Engine) onDisconnected(err error) {
	e.ready = false
	if e.state == StateEnded {
		return
	}
	e.logger.Warn("transport disconnected", "protocol_id", e.protocol, "error", err)
	e.tryReconnect()
}

func (e *Engine) onReady(data json.RawMessage) {
	e.ready = true
	req := e.binding
	e.binding = nil
	if req != nil {
		var p readyPayload
		if err := json.Unmarshal(data, &p); err != nil || p.Errors {
			e.logger.Warn("ready without history", "protocol_id", e.protocol, "error", err)
			e.setState(StateActive)
		} else {
			if e.room != nil {
				e.room.Protocol = e.protocol
			}
			if !req.preserve {
				e.loadHistory(p.History)
			}
			if p.Status == queueStatusWaiting {
				e.setState(StateQueued)
			} else {
				e.setState(StateActive)
			}
		}
	}
	e.flushDeferred()
}

func (e *Engine) loadHistory(raw []json.RawMessage) {
	history := make([]conversation.Message, 0, len(raw))
	for _, item := range raw {
		w, err := conversation.ParseMessage(item)
		if err != nil {
			e.logger.Warn("skipping history entry", "protocol_id", e.protocol, "error", err)
			continue
		}
		history = append(history, w.Candidates()...)
	}
	e.conv.Load(history)
	e.reconcileVoice()
	e.logger.Info("history loaded", "protocol_id", e.protocol, "entries", e.conv.Len())
}

func (e *Engine) reconcileVoice() {
	var artifacts []conversation.VoiceArtifact
	if _, err := storage.GetJSON(e.runCtx, e.store, storage.KeyVoiceArtifacts, &artifacts); err != nil {
		e.logger.Warn("failed to read voice artifacts", "error", err)
		return
	}
	if len(artifacts) == 0 {
		return
	}
	base := conversation.Message{
		Sender:      e.userID,
		Recipient:   e.recipient(),
		Protocol:    e.protocol,
		ChannelMeta: e.cfg.RoutingCode,
	}
	converted := e.conv.ReconcileVoice(artifacts, base)
	e.logger.Debug("voice artifacts reconciled", "artifacts", len(artifacts), "converted", converted)
}

func (e *Engine) onQueuePosition(data json.RawMessage) {
	var p struct {
		Position json.RawMessage `json:"posicao"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.logger.Warn("invalid queue position", "error", err)
		return
	}
	n, ok := flexInt(p.Position)
	if !ok {
		return
	}
	e.queuePosition = n
	e.notify("Posição atualizada", "Sua posição na fila: "+strconv.Itoa(n))
}

func (e *Engine) onServiceStarted(data json.RawMessage) {
	var p struct {
		AgentID conversation.FlexString `json:"atendenteId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		e.logger.Warn("invalid service start", "error", err)
	}
	e.agentID = string(p.AgentID)
	e.queuePosition = 0
	e.conv.SetHandoff(true)
	e.setState(StateActive)
	e.notify("Atendimento iniciado", "Um atendente entrou na conversa.")
}

func (e *Engine) onServiceEnded() {
	e.finishSession()
	e.survey = SurveyDemand
	if err := storage.SetProtocol(e.runCtx, e.store, ""); err != nil {
		e.logger.Warn("failed to drop persisted protocol", "error", err)
	}
	e.notify("Atendimento finalizado", "O atendimento foi encerrado.")
}

// finishSession moves to Ended and drops the connection. Nothing reconnects
// afterwards.
func (e *Engine) finishSession() {
	e.setState(StateEnded)
	e.stopReconnect()
	e.binding = nil
	e.ready = false
	_ = e.transport.Disconnect()
}

func (e *Engine) onMessage(data json.RawMessage) {
	w, err := conversation.ParseMessage(data)
	if err != nil {
		e.logger.Warn("dropping inbound message", "protocol_id", e.protocol, "error", err)
		return
	}
	for _, out := range e.conv.Receive(w) {
		e.metrics.ObserveIngest(string(out.Action))
	}
}

// beginAction runs before user actions. A pending reset marker, or a session
// that already ended, starts a fresh session first.
func (e *Engine) beginAction() {
	if e.resetting || e.state == StateCreatingSession {
		return
	}
	marked, err := storage.TakeReset(e.runCtx, e.store)
	if err != nil {
		e.logger.Warn("failed to read reset marker", "error", err)
	}
	if marked || e.state == StateEnded || e.state == StateNoSession {
		e.startReset(marked)
	}
}

func (e *Engine) startReset(marked bool) {
	e.resetting = true
	prev := e.state
	e.setState(StateCreatingSession)
	channel := e.channel()
	e.async(func(ctx context.Context) func() {
		protocol, err := e.backend.CreateSession(ctx, channel)
		return func() { e.onResetSession(protocol, err, prev, marked) }
	})
}

func (e *Engine) onResetSession(protocol string, err error, prev State, marked bool) {
	if err != nil {
		e.resetting = false
		e.logger.Error("failed to restart session", "error", err)
		if marked {
			if err := storage.MarkReset(e.runCtx, e.store); err != nil {
				e.logger.Warn("failed to restore reset marker", "error", err)
			}
		}
		e.setState(prev)
		if e.ready {
			e.flushDeferred()
		} else {
			e.failDeferred(err)
		}
		return
	}

	e.stopReconnect()
	_ = e.transport.Disconnect()
	e.ready = false
	e.adoptProtocol(protocol)
	e.agentID = ""
	e.queuePosition = 0
	e.survey = SurveyNone
	e.conv.SetHandoff(false)
	e.feedback.Clear()
	e.resetting = false
	e.logger.Info("session restarted", "protocol_id", protocol)
	e.bindRoom(true)
}

// onStarsSettled runs once a star rating has been answered and the reset
// delay elapsed: session storage is cleared and the reset marker set.
func (e *Engine) onStarsSettled() {
	ctx := e.runCtx
	if err := e.store.Clear(ctx); err != nil {
		e.logger.Warn("failed to clear session storage", "error", err)
	}
	if e.prefsStore == e.store {
		if err := SavePreferences(ctx, e.store, e.prefs); err != nil {
			e.logger.Warn("failed to restore preferences", "error", err)
		}
	}
	if err := storage.MarkReset(ctx, e.store); err != nil {
		e.logger.Warn("failed to set reset marker", "error", err)
	}
	e.survey = SurveyNone
	e.protocol = ""
	e.setState(StateNoSession)
}

func flexInt(raw json.RawMessage) (int, bool) {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}
