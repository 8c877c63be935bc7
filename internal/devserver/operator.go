package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/transport"
)

func (s *Server) operatorRoutes(r chi.Router) {
	r.Post("/rooms", s.handleIssueRoom)
	r.Route("/sessions/{protocol}", func(sr chi.Router) {
		sr.Get("/", s.handleGetSession)
		sr.Get("/ratings", s.handleListRatings)
		sr.Post("/queue", s.handleQueue)
		sr.Post("/start", s.handleStart)
		sr.Post("/end", s.handleEnd)
		sr.Post("/messages", s.handlePushMessage)
		sr.Post("/disconnect", s.handleDisconnect)
	})
}

type issueRoomRequest struct {
	Channel  string `json:"canal"`
	ClientID string `json:"cliId"`
}

func (s *Server) handleIssueRoom(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		http.Error(w, "room tokens disabled", http.StatusNotImplemented)
		return
	}
	var req issueRoomRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		http.Error(w, "canal is required", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	token, hash, err := s.tokens.Issue(req.Channel, req.ClientID)
	if err != nil {
		http.Error(w, "token not issued", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token, "hash": hash, "cliId": req.ClientID})
}

type sessionView struct {
	ChatSession
	Connected bool `json:"connected"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	protocol := chi.URLParam(r, "protocol")
	session, err := s.registry.Get(protocol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{ChatSession: session, Connected: s.hub.Connected(protocol)})
}

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := s.ratings.SessionRatings(r.Context(), chi.URLParam(r, "protocol"))
	if err != nil {
		http.Error(w, "ratings unavailable", http.StatusInternalServerError)
		return
	}
	if ratings == nil {
		ratings = []SessionRating{}
	}
	writeJSON(w, http.StatusOK, ratings)
}

// update applies fn and answers with the session and whether the widget got
// the event.
func (s *Server) update(w http.ResponseWriter, r *http.Request, allowFinished bool, fn func(*ChatSession), event string, payload any) {
	protocol := chi.URLParam(r, "protocol")
	session, err := s.registry.Update(protocol, allowFinished, fn)
	switch {
	case errors.Is(err, ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	delivered := s.hub.Push(protocol, event, payload)
	s.logger.Info("devserver: operator event", "protocol_id", protocol, "event", event, "delivered", delivered)
	writeJSON(w, http.StatusOK, sessionView{ChatSession: session, Connected: delivered})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position int `json:"posicao"`
	}
	if err := decodeBody(r, &req); err != nil || req.Position < 0 {
		http.Error(w, "invalid posicao", http.StatusBadRequest)
		return
	}
	s.update(w, r, false, func(cs *ChatSession) {
		cs.Status = StatusQueued
		cs.Queue = req.Position
	}, transport.EventQueuePosition, map[string]int{"posicao": req.Position})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"atendenteId"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		if claims, ok := operatorSubject(r); ok {
			req.AgentID = claims
		} else {
			req.AgentID = "operador"
		}
	}
	s.update(w, r, false, func(cs *ChatSession) {
		cs.Status = StatusActive
		cs.Queue = 0
		cs.AgentID = req.AgentID
	}, transport.EventServiceStarted, map[string]string{"atendenteId": req.AgentID})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, true, func(cs *ChatSession) {
		cs.Status = StatusFinished
		cs.Queue = 0
	}, transport.EventServiceEnded, map[string]bool{"finalizado": true})
}

type pushMessageRequest struct {
	Type    string          `json:"tipo"`
	Text    string          `json:"texto"`
	Reply   json.RawMessage `json:"resposta"`
	Trigger string          `json:"trigger"`
}

func (s *Server) handlePushMessage(w http.ResponseWriter, r *http.Request) {
	var req pushMessageRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	author := strings.ToUpper(req.Type)
	switch author {
	case "":
		author = conversation.AuthorAgent
	case conversation.AuthorAgent, conversation.AuthorAI, conversation.AuthorButton, conversation.AuthorInfo:
	default:
		http.Error(w, "tipo must be AT, IA, BT or IF", http.StatusBadRequest)
		return
	}
	reply := req.Reply
	if len(reply) == 0 {
		if req.Text == "" {
			http.Error(w, "texto or resposta is required", http.StatusBadRequest)
			return
		}
		reply, _ = json.Marshal(req.Text)
	}

	protocol := chi.URLParam(r, "protocol")
	session, err := s.registry.Get(protocol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	ts := s.clock.Now().UTC().Format(time.RFC3339)
	msg := conversation.WireMessage{
		ID:           conversation.FlexString(uuid.NewString()),
		Status:       string(conversation.StatusAccepted),
		SentAt:       ts,
		RegisteredAt: ts,
		Protocol:     conversation.FlexString(protocol),
		RoutingCode:  session.RoutingCode,
		Reply:        reply,
		Type:         author,
		Sender:       conversation.FlexString(session.AgentID),
		Recipient:    conversation.FlexString(session.ClientID),
		Trigger:      req.Trigger,
	}
	if err := s.registry.Append(protocol, msg); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	delivered := s.hub.Push(protocol, transport.EventMessage, msg)
	writeJSON(w, http.StatusCreated, map[string]any{"olmId": msg.ID, "delivered": delivered})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	dropped := s.hub.Drop(chi.URLParam(r, "protocol"))
	writeJSON(w, http.StatusOK, map[string]bool{"dropped": dropped})
}
