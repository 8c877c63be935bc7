package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConfig configures a WSClient.
type WSConfig struct {
	URL string
	// ClientKey is sent as the x-client-key header on the upgrade request.
	ClientKey string
	Dialer    *websocket.Dialer
	Logger    *logging.Logger
}

// WSClient implements Client over a gorilla websocket.
type WSClient struct {
	cfg    WSConfig
	logger *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]*Ack
	handlers map[int]Handler
	nextSub  int
	closing  bool
	stop     chan struct{}

	writeMu sync.Mutex
}

// NewWSClient builds a client. Connect must be called before emitting.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WSClient{
		cfg:      cfg,
		logger:   cfg.Logger,
		pending:  map[string]*Ack{},
		handlers: map[int]Handler{},
	}
}

// Connect dials, sends the auth handshake and starts the reader. Any existing
// connection is closed first.
func (c *WSClient) Connect(ctx context.Context, auth Auth) error {
	_ = c.Disconnect()

	header := http.Header{}
	if c.cfg.ClientKey != "" {
		header.Set("x-client-key", c.cfg.ClientKey)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	data, err := json.Marshal(auth)
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: encode auth: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Frame{Type: FrameAuth, Data: data}); err != nil {
		conn.Close()
		return fmt.Errorf("transport: send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.stop = stop
	c.mu.Unlock()

	c.logger.Info("transport: connected", "url", c.cfg.URL, "protocol_id", auth.Protocol)
	// connect is delivered before any peer event read from this connection
	c.dispatch(Event{Name: EventConnect})

	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)
	return nil
}

func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.conn = nil
	close(c.stop)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	c.failPending(ErrDisconnected)
	return err
}

func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WSClient) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Emit writes an emit frame and registers the ack handle under a fresh id.
// A canceled ctx rejects the handle if the peer has not answered yet.
func (c *WSClient) Emit(ctx context.Context, event string, payload any) *Ack {
	data, err := json.Marshal(payload)
	if err != nil {
		return FailedAck(fmt.Errorf("transport: encode %s: %w", event, err))
	}

	id := uuid.NewString()
	ack := NewAck()
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.pending[id] = ack
	}
	c.mu.Unlock()
	if conn == nil {
		return FailedAck(ErrNotConnected)
	}

	if err := c.write(conn, Frame{Type: FrameEmit, Event: event, ID: id, Data: data}); err != nil {
		c.removePending(id)
		ack.Reject(fmt.Errorf("transport: emit %s: %w", event, err))
		return ack
	}

	go func() {
		select {
		case <-ack.Done():
		case <-ctx.Done():
			c.removePending(id)
			if ctx.Err() == context.DeadlineExceeded {
				ack.Reject(ErrAckTimeout)
			} else {
				ack.Reject(ctx.Err())
			}
		}
	}()
	return ack
}

func (c *WSClient) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", event, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(conn, Frame{Type: FrameEvent, Event: event, Data: data})
}

func (c *WSClient) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *WSClient) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleReadError(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameAck:
			c.resolve(f)
		case FrameEvent:
			c.dispatch(Event{Name: f.Event, Data: f.Data})
		default:
			c.logger.Debug("transport: ignoring frame", "type", f.Type)
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

func (c *WSClient) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	intentional := c.closing || c.conn != conn
	if !intentional {
		c.conn = nil
		close(c.stop)
	}
	c.mu.Unlock()
	if intentional {
		return
	}

	conn.Close()
	c.failPending(ErrDisconnected)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = nil
	}
	c.logger.Warn("transport: connection lost", "error", err)
	c.dispatch(Event{Name: EventDisconnect, Err: errors.Join(ErrDisconnected, err)})
}

func (c *WSClient) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSClient) resolve(f Frame) {
	c.mu.Lock()
	ack, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("transport: ack for unknown request", "request_id", f.ID)
		return
	}
	if f.Error != "" {
		ack.Reject(&PeerError{Message: f.Error})
		return
	}
	ack.Resolve(f.Data)
}

func (c *WSClient) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]*Ack{}
	c.mu.Unlock()
	for _, ack := range pending {
		ack.Reject(err)
	}
}

func (c *WSClient) dispatch(ev Event) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// PeerError is an error reported by the peer in an ack frame.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string { return "transport: peer error: " + e.Message }
