// Package transport carries session events over a persistent bidirectional
// connection with request/acknowledge emission.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Connection-level and peer event names.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventReady          = "clienteConfigurado"
	EventQueuePosition  = "posicao-fila"
	EventServiceStarted = "inicio-atendimento"
	EventServiceEnded   = "finaliza-atendimento"
	EventMessage        = "mensagemEnviada"

	// EmitMessage is the outbound event that expects an ack.
	EmitMessage = "mensagem"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrDisconnected = errors.New("transport: connection lost")
	ErrAckTimeout   = errors.New("transport: ack timed out")
)

// Auth is the handshake sent right after the connection opens.
type Auth struct {
	UserID   string `json:"userId"`
	Protocol string `json:"protocolo"`
	Type     string `json:"tipo"`
	Channel  string `json:"canal"`
}

// Event is a named event delivered by the peer.
type Event struct {
	Name string
	Data json.RawMessage
	// Err is set on disconnect events caused by a transport failure.
	Err error
}

// Handler receives events. Handlers run on the transport's reader goroutine
// and must not block.
type Handler func(Event)

// Client is the transport collaborator used by the session engine.
type Client interface {
	Connect(ctx context.Context, auth Auth) error
	// Disconnect closes the connection. It does not produce a disconnect event.
	Disconnect() error
	Connected() bool
	// Subscribe registers h for every event and returns its unsubscribe func.
	Subscribe(h Handler) (unsubscribe func())
	// Emit sends a request and returns a handle resolved by the peer's ack.
	Emit(ctx context.Context, event string, payload any) *Ack
	// Send fires an event without waiting for acknowledgement.
	Send(ctx context.Context, event string, payload any) error
}

// Frame is the JSON envelope exchanged on the socket.
type Frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Frame types.
const (
	FrameAuth  = "auth"
	FrameEvent = "event"
	FrameEmit  = "emit"
	FrameAck   = "ack"
)
