// Package devserver emulates the chat backend: the HTTP collaborator
// endpoints, the socket event protocol and an operator console API.
package devserver

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/internal/conversation"
)

var (
	ErrUnknownSession = errors.New("devserver: unknown session")
	ErrSessionClosed  = errors.New("devserver: session finished")
)

// SessionStatus mirrors chmStatus / sts.
type SessionStatus string

const (
	StatusQueued   SessionStatus = "E"
	StatusActive   SessionStatus = "A"
	StatusFinished SessionStatus = "F"
)

// ChatSession is one protocol opened on a channel.
type ChatSession struct {
	Protocol    string                     `json:"protocolo"`
	Channel     string                     `json:"canal"`
	OmbID       string                     `json:"ombId"`
	ClientID    string                     `json:"cliId"`
	RoutingCode string                     `json:"afiCodigo"`
	Status      SessionStatus              `json:"status"`
	AgentID     string                     `json:"atendenteId,omitempty"`
	Queue       int                        `json:"posicao,omitempty"`
	CreatedAt   time.Time                  `json:"createdAt"`
	History     []conversation.WireMessage `json:"historico"`
}

// Registry holds every session opened since start. The newest session of a
// channel is the one its room token resolves to.
type Registry struct {
	mu          sync.Mutex
	clock       clock.Clock
	routingCode string
	seq         int
	sessions    map[string]*ChatSession
	latest      map[string]string // channel -> protocol
}

func NewRegistry(c clock.Clock, routingCode string) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		clock:       c,
		routingCode: routingCode,
		sessions:    make(map[string]*ChatSession),
		latest:      make(map[string]string),
	}
}

// Create opens a new active session on channel.
func (r *Registry) Create(channel, clientID string) ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	now := r.clock.Now()
	s := &ChatSession{
		Protocol:    fmt.Sprintf("%s%06d", now.UTC().Format("20060102"), r.seq),
		Channel:     channel,
		OmbID:       strconv.Itoa(1000 + r.seq),
		ClientID:    clientID,
		RoutingCode: r.routingCode,
		Status:      StatusActive,
		CreatedAt:   now,
	}
	r.sessions[s.Protocol] = s
	r.latest[channel] = s.Protocol
	return s.snapshot()
}

// Get returns a copy of the session.
func (r *Registry) Get(protocol string) (ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[protocol]
	if !ok {
		return ChatSession{}, ErrUnknownSession
	}
	return s.snapshot(), nil
}

// Latest returns the newest session of channel.
func (r *Registry) Latest(channel string) (ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.latest[channel]]
	if !ok {
		return ChatSession{}, false
	}
	return s.snapshot(), true
}

// ByOmbID resolves the numeric service id used by session ratings.
func (r *Registry) ByOmbID(ombID string) (ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.OmbID == ombID {
			return s.snapshot(), true
		}
	}
	return ChatSession{}, false
}

// Update applies fn to the live session. Finished sessions reject updates
// unless allowFinished is set.
func (r *Registry) Update(protocol string, allowFinished bool, fn func(*ChatSession)) (ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[protocol]
	if !ok {
		return ChatSession{}, ErrUnknownSession
	}
	if s.Status == StatusFinished && !allowFinished {
		return ChatSession{}, ErrSessionClosed
	}
	fn(s)
	return s.snapshot(), nil
}

// Append records a message in the session history.
func (r *Registry) Append(protocol string, m conversation.WireMessage) error {
	_, err := r.Update(protocol, false, func(s *ChatSession) {
		s.History = append(s.History, m)
	})
	return err
}

func (s *ChatSession) snapshot() ChatSession {
	cp := *s
	cp.History = append([]conversation.WireMessage(nil), s.History...)
	return cp
}
