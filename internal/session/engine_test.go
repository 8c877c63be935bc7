package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/feedback"
	"github.com/wolfman30/chat-session-engine/internal/ratelimit"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/internal/transport"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/internal/voice"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

const testClientKey = "49fa27aab4f70b8eaacf"

type emitted struct {
	event   string
	payload OutboundMessage
	ack     *transport.Ack
}

type fakeTransport struct {
	mu          sync.Mutex
	handlers    map[int]transport.Handler
	nextID      int
	connected   bool
	auths       []transport.Auth
	connectErrs []error
	emits       []emitted
	disconnects int
	// autoAck answers every emit when set.
	autoAck func(OutboundMessage) (json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[int]transport.Handler{}}
}

func (f *fakeTransport) Connect(_ context.Context, auth transport.Auth) error {
	f.mu.Lock()
	f.auths = append(f.auths, auth)
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.connected = true
	f.mu.Unlock()
	f.fire(transport.EventConnect, nil)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.disconnects++
	}
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(h transport.Handler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) *transport.Ack {
	ack := transport.NewAck()
	p, _ := payload.(OutboundMessage)
	f.mu.Lock()
	f.emits = append(f.emits, emitted{event: event, payload: p, ack: ack})
	auto := f.autoAck
	f.mu.Unlock()
	if auto != nil {
		data, err := auto(p)
		if err != nil {
			ack.Reject(err)
		} else {
			ack.Resolve(data)
		}
	}
	return ack
}

func (f *fakeTransport) Send(context.Context, string, any) error { return nil }

func (f *fakeTransport) fire(name string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	f.mu.Lock()
	handlers := make([]transport.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(transport.Event{Name: name, Data: raw})
	}
}

func (f *fakeTransport) fireDisconnect() {
	f.mu.Lock()
	f.connected = false
	handlers := make([]transport.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(transport.Event{Name: transport.EventDisconnect, Err: transport.ErrDisconnected})
	}
}

func (f *fakeTransport) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.auths)
}

func (f *fakeTransport) lastAuth() transport.Auth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths[len(f.auths)-1]
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func ready(history []map[string]any, sts string) map[string]any {
	if history == nil {
		history = []map[string]any{}
	}
	return map[string]any{"erros": false, "retorno": history, "sts": sts}
}

func ackOK(dados any) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"erros": false, "mensagem": "", "dados": dados})
	return raw
}

type fakeBackend struct {
	mu        sync.Mutex
	protocols []string
	created   int
	createErr error
	room      backend.RoomInfo
	roomCalls int
}

func (b *fakeBackend) CreateSession(_ context.Context, channelKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channelKey != testClientKey {
		return "", errors.New("unexpected channel " + channelKey)
	}
	if b.createErr != nil {
		return "", b.createErr
	}
	p := b.protocols[b.created%len(b.protocols)]
	b.created++
	return p, nil
}

func (b *fakeBackend) GetRoomInfo(context.Context, string, string) (*backend.RoomInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomCalls++
	room := b.room
	return &room, nil
}

func (b *fakeBackend) createdCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

type fakeRatings struct {
	mu       sync.Mutex
	tips     []backend.RatingTip
	sessions []backend.SessionRating
}

func (r *fakeRatings) PostMessageRating(_ context.Context, _, _ string, tip backend.RatingTip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tips = append(r.tips, tip)
	return nil
}

func (r *fakeRatings) PostSessionRating(_ context.Context, s backend.SessionRating) (*backend.RatingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return &backend.RatingResult{}, nil
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	backend   *fakeBackend
	ratings   *fakeRatings
	store     *storage.MemoryStore
	clock     *clock.Fake

	mu      sync.Mutex
	notices []Notice
}

func newHarness(t *testing.T, setup func(*harness, *Deps)) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	h := &harness{
		transport: newFakeTransport(),
		backend: &fakeBackend{
			protocols: []string{"P-100"},
			room:      backend.RoomInfo{Status: "A", ClientID: "42", UserID: "7", OmbID: "900"},
		},
		ratings: &fakeRatings{},
		store:   storage.NewMemoryStore(),
		clock:   clk,
	}
	deps := Deps{
		Backend:   h.backend,
		Transport: h.transport,
		Store:     h.store,
		Ratings:   h.ratings,
		Limiter:   ratelimit.New(ratelimit.DefaultConfig(), logging.Discard(), ratelimit.WithClock(clk)),
		Clock:     clk,
		Logger:    logging.Discard(),
	}
	if setup != nil {
		setup(h, &deps)
	}
	h.engine = New(Config{ClientKey: testClientKey, RoutingCode: "DETAL001"}, deps,
		WithNotifier(func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go h.engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.engine.Done()
	})
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := h.engine.Snapshot(ctx)
		return err == nil && cond(s)
	}, 2*time.Second, 5*time.Millisecond)
}

// connected boots the engine up to an acknowledged ready event.
func (h *harness) connected(t *testing.T, history []map[string]any, sts string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.transport.authCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.transport.fire(transport.EventReady, ready(history, sts))
	h.waitFor(t, func(s Snapshot) bool { return s.Ready })
}

func TestBootCreatesSessionAndBindsRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, []map[string]any{
		{"olmId": 1, "olmTipo": "US", "olmMensagemCliente": "oi", "usuId": "42"},
		{"olmId": 2, "olmTipo": "IA", "olmRespostaIa": "Olá! Como posso ajudar?"},
	}, "E")

	assert.Equal(t, transport.Auth{UserID: "42", Protocol: "P-100", Type: "US", Channel: testClientKey}, h.transport.lastAuth())
	protocol, err := storage.Protocol(context.Background(), h.store)
	require.NoError(t, err)
	assert.Equal(t, "P-100", protocol)

	s := h.snapshot(t)
	assert.Equal(t, StateQueued, s.State)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, "1", s.Entries[0].ID)
	assert.Equal(t, conversation.KindAIText, s.Entries[1].Kind)
	assert.Equal(t, DefaultPreferences(), s.Preferences)

	h.transport.fire(transport.EventQueuePosition, map[string]any{"posicao": "3"})
	h.waitFor(t, func(s Snapshot) bool { return s.QueuePosition == 3 })

	h.transport.fire(transport.EventServiceStarted, map[string]any{"atendenteId": 55})
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateActive })
	s = h.snapshot(t)
	assert.Equal(t, "55", s.AgentID)
	assert.Zero(t, s.QueuePosition)
	assert.True(t, s.Handoff)
	assert.False(t, s.AwaitingResponse)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.notices, 2)
	assert.Equal(t, "Posição atualizada", h.notices[0].Title)
}

func TestBootResumesPersistedProtocolAndReconcilesVoice(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Deps) {
		ctx := context.Background()
		require.NoError(t, storage.SetProtocol(ctx, h.store, "P-7"))
		require.NoError(t, storage.SetJSON(ctx, h.store, storage.KeyVoiceArtifacts, []conversation.VoiceArtifact{
			{ID: "a1", Timestamp: "2024-03-01T08:59:00Z", DataURL: "data:audio/webm;base64,AAA=", Transcript: "quero ajuda"},
		}))
	})
	h.connected(t, []map[string]any{
		{"olmId": 10, "olmTipo": "US", "olmMensagemCliente": "quero ajuda", "usuId": "42"},
	}, "A")

	assert.Zero(t, h.backend.createdCount())
	assert.Equal(t, "P-7", h.transport.lastAuth().Protocol)

	s := h.snapshot(t)
	assert.Equal(t, StateActive, s.State)
	require.Len(t, s.Entries, 1)
	assert.Equal(t, conversation.KindVoiceAudio, s.Entries[0].Kind)
	require.NotNil(t, s.Entries[0].Voice)
	assert.Equal(t, "a1", s.Entries[0].Voice.ArtifactID)
}

func TestSendTextDeferredUntilReadyAndSentOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.Eventually(t, func() bool { return h.transport.authCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	id, err := h.engine.SendText(context.Background(), "  olá {mundo}  ")
	require.NoError(t, err)
	assert.Empty(t, h.transport.sent())

	s := h.snapshot(t)
	require.Len(t, s.Entries, 1)
	assert.Equal(t, conversation.StatusPending, s.Entries[0].Status)
	assert.True(t, s.AwaitingResponse)

	h.transport.fire(transport.EventReady, ready(nil, "A"))
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.transport.fire(transport.EventReady, ready(nil, "A"))
	h.snapshot(t)
	require.Len(t, h.transport.sent(), 1)

	out := h.transport.sent()[0]
	assert.Equal(t, transport.EmitMessage, out.event)
	assert.Equal(t, id, out.payload.ID)
	assert.Equal(t, "P-100", out.payload.Protocol)
	assert.Equal(t, "US", out.payload.Type)
	assert.Equal(t, "42", out.payload.From)
	assert.Equal(t, "7", out.payload.To)
	assert.Equal(t, "olá &#123;mundo&#125;", out.payload.Text)
	assert.Equal(t, "DETAL001", out.payload.RoutingCode)
	assert.Regexp(t, `^\d{2}\.\d{2}\.\d{4} \d{2}:\d{2}:\d{2}$`, out.payload.SentAt)

	out.ack.Resolve(ackOK(map[string]any{
		"usuId":   "IA",
		"olmMenu": "77",
		"mensagemRetorno": []any{
			map[string]any{"menu": map[string]any{"text": "Escolha", "buttons": []any{map[string]any{"id": "b1", "label": "Sim"}}}},
			map[string]any{"message": "Algo mais?"},
		},
	}))
	h.waitFor(t, func(s Snapshot) bool { return len(s.Entries) == 3 })
	s = h.snapshot(t)
	assert.Equal(t, conversation.StatusAccepted, s.Entries[0].Status)
	assert.Equal(t, "77-1", s.Entries[1].ID)
	assert.Equal(t, conversation.KindButtonMenu, s.Entries[1].Kind)
	assert.True(t, s.Entries[1].Inert)
	assert.Equal(t, "77-2", s.Entries[2].ID)
	assert.Equal(t, "Algo mais?", s.Entries[2].Payload.Text)
}

func TestAckFailureMarksFailedAndResendKeepsID(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")

	h.transport.mu.Lock()
	h.transport.autoAck = func(OutboundMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"erros":true,"mensagem":"sala fechada"}`), nil
	}
	h.transport.mu.Unlock()

	id, err := h.engine.SendText(context.Background(), "oi")
	require.NoError(t, err)
	h.waitFor(t, func(s Snapshot) bool { return s.Entries[0].Status == conversation.StatusFailed })

	h.transport.mu.Lock()
	h.transport.autoAck = func(OutboundMessage) (json.RawMessage, error) { return ackOK(nil), nil }
	h.transport.mu.Unlock()

	require.NoError(t, h.engine.Resend(context.Background(), id))
	h.waitFor(t, func(s Snapshot) bool { return s.Entries[0].Status == conversation.StatusAccepted })

	sent := h.transport.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, id, sent[0].payload.ID)
	assert.Equal(t, id, sent[1].payload.ID)
	assert.ErrorIs(t, h.engine.Resend(context.Background(), id), conversation.ErrNotResubmittable)
}

func TestTransportFailureMarksFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")

	_, err := h.engine.SendText(context.Background(), "oi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.transport.sent()[0].ack.Reject(transport.ErrDisconnected)
	h.waitFor(t, func(s Snapshot) bool { return s.Entries[0].Status == conversation.StatusFailed })
}

func TestEchoPromotesPendingMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")

	_, err := h.engine.SendText(context.Background(), "oi")
	require.NoError(t, err)
	h.transport.fire(transport.EventMessage, []any{"mensagemEnviada", map[string]any{
		"olmId": 500, "olmTipo": "US", "olmMensagemCliente": "oi", "usuId": "42",
	}})
	h.waitFor(t, func(s Snapshot) bool { return s.Entries[0].ID == "500" })

	h.transport.fire(transport.EventMessage, map[string]any{"olmId": 501, "olmTipo": "US", "usuId": "US"})
	h.transport.fire(transport.EventMessage, map[string]any{"olmId": 502, "olmTipo": "IA", "olmRespostaIa": "Oi!"})
	h.waitFor(t, func(s Snapshot) bool { return len(s.Entries) == 2 })

	s := h.snapshot(t)
	assert.Equal(t, conversation.StatusAccepted, s.Entries[0].Status)
	assert.Equal(t, "Oi!", s.Entries[1].Payload.Text)
	assert.False(t, s.AwaitingResponse)
}

func TestSelectOptionSendsButtonExtras(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	h.transport.mu.Lock()
	h.transport.autoAck = func(OutboundMessage) (json.RawMessage, error) { return ackOK(nil), nil }
	h.transport.mu.Unlock()

	h.transport.fire(transport.EventMessage, map[string]any{
		"olmId": "menu-1", "olmTipo": "BT",
		"olmRespostaIa": `{"menu":{"text":"Escolha","buttons":[{"id":"b1","label":"Sim"},{"id":"b2","label":"Não"}]}}`,
	})
	h.waitFor(t, func(s Snapshot) bool { return len(s.Entries) == 1 })

	_, err := h.engine.SelectOption(context.Background(), "menu-1", "b9")
	assert.ErrorIs(t, err, conversation.ErrUnknownOption)

	_, err = h.engine.SelectOption(context.Background(), "menu-1", "b2")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p := h.transport.sent()[0].payload
	assert.Equal(t, "Não", p.Text)
	assert.Equal(t, "b2", p.ButtonID)
	assert.Equal(t, "menu-1", p.Reference)

	s := h.snapshot(t)
	assert.True(t, s.Entries[0].Inert)
	_, err = h.engine.SelectOption(context.Background(), "menu-1", "b1")
	assert.ErrorIs(t, err, conversation.ErrMenuInert)
}

func TestReconnectLoopStopsAtEnded(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	waitTimers := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool { return h.clock.Pending() == n }, 2*time.Second, 5*time.Millisecond)
	}

	h.transport.fireDisconnect()
	waitTimers(1)
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.transport.authCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "P-100", h.transport.lastAuth().Protocol)

	h.transport.mu.Lock()
	h.transport.connectErrs = []error{errors.New("dial refused")}
	h.transport.mu.Unlock()
	h.transport.fireDisconnect()
	waitTimers(1)
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.transport.authCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	waitTimers(1)
	h.clock.Advance(5 * time.Second)
	waitTimers(1)
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.transport.authCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	// a pending reconnect is abandoned once the service ends
	h.transport.fireDisconnect()
	waitTimers(1)
	h.transport.fire(transport.EventServiceEnded, nil)
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateEnded })
	waitTimers(0)

	h.transport.fireDisconnect()
	h.clock.Advance(time.Minute)
	h.snapshot(t)
	assert.Never(t, func() bool { return h.transport.authCount() > 4 }, 100*time.Millisecond, 10*time.Millisecond)

	s := h.snapshot(t)
	assert.Equal(t, SurveyDemand, s.Survey)
	protocol, err := storage.Protocol(context.Background(), h.store)
	require.NoError(t, err)
	assert.Empty(t, protocol)
	assert.False(t, h.transport.Connected())
}

func TestStarRatingResetsSessionOnNextMessage(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Deps) {
		h.backend.protocols = []string{"P-1", "P-2"}
	})
	h.connected(t, []map[string]any{{"olmId": 1, "olmTipo": "IA", "olmRespostaIa": "Olá"}}, "A")
	ctx := context.Background()
	_, err := h.engine.UpdatePreferences(ctx, func(p *Preferences) { p.DarkMode = true })
	require.NoError(t, err)

	h.transport.fire(transport.EventServiceEnded, nil)
	h.waitFor(t, func(s Snapshot) bool { return s.Survey == SurveyDemand })

	require.NoError(t, h.engine.SubmitDemand(ctx, true))
	assert.Equal(t, SurveyStars, h.snapshot(t).Survey)
	res, err := h.engine.SubmitStars(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, res)

	h.ratings.mu.Lock()
	require.Len(t, h.ratings.sessions, 2)
	assert.Equal(t, "S", h.ratings.sessions[0].Demand)
	assert.Equal(t, "5", h.ratings.sessions[1].Stars)
	assert.Equal(t, "900", h.ratings.sessions[1].OmbID)
	h.ratings.mu.Unlock()

	h.clock.Advance(5 * time.Second)
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateNoSession })
	_, marked, err := h.store.Get(ctx, storage.KeyResetMarker)
	require.NoError(t, err)
	assert.True(t, marked)
	prefs, err := LoadPreferences(ctx, h.store)
	require.NoError(t, err)
	assert.True(t, prefs.DarkMode)

	id, err := h.engine.SendText(ctx, "novo assunto")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.transport.authCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "P-2", h.transport.lastAuth().Protocol)
	assert.Empty(t, h.transport.sent())

	h.transport.fire(transport.EventReady, ready([]map[string]any{{"olmId": 99, "olmTipo": "IA", "olmRespostaIa": "antigo"}}, "A"))
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "P-2", h.transport.sent()[0].payload.Protocol)
	assert.Equal(t, id, h.transport.sent()[0].payload.ID)

	s := h.snapshot(t)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, SurveyNone, s.Survey)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, "Olá", s.Entries[0].Payload.Text)
	_, marked, err = h.store.Get(ctx, storage.KeyResetMarker)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestFailedSessionRestartFailsDeferredMessages(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Deps) {
		h.backend.protocols = []string{"P-1", "P-2"}
	})
	h.connected(t, nil, "A")
	h.transport.fire(transport.EventServiceEnded, nil)
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateEnded })

	h.backend.mu.Lock()
	h.backend.createErr = errors.New("service unavailable")
	h.backend.mu.Unlock()

	ctx := context.Background()
	id, err := h.engine.SendText(ctx, "ainda aí?")
	require.NoError(t, err)
	h.waitFor(t, func(s Snapshot) bool {
		return s.State == StateEnded && len(s.Entries) == 1 && s.Entries[0].Status == conversation.StatusFailed
	})
	assert.Equal(t, id, h.snapshot(t).Entries[0].ID)
	assert.Empty(t, h.transport.sent())

	h.backend.mu.Lock()
	h.backend.createErr = nil
	h.backend.mu.Unlock()

	require.NoError(t, h.engine.Resend(ctx, id))
	require.Eventually(t, func() bool { return h.transport.authCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "P-2", h.transport.lastAuth().Protocol)

	h.transport.fire(transport.EventReady, ready(nil, "A"))
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, id, h.transport.sent()[0].payload.ID)
	assert.Equal(t, conversation.StatusPending, h.snapshot(t).Entries[0].Status)
}

func TestRateMessageHonorsRatingWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	registered := h.clock.Now().Format(time.RFC3339)
	h.transport.fire(transport.EventMessage, map[string]any{
		"olmId": "ai-1", "olmTipo": "IA", "olmRespostaIa": "Posso ajudar?", "olmDatahoraRegistro": registered,
	})
	h.waitFor(t, func(s Snapshot) bool { return len(s.Entries) == 1 })

	out, err := h.engine.RateMessage(context.Background(), "ai-1", feedback.Like)
	require.NoError(t, err)
	assert.Equal(t, backend.TipLike, out.Tip)
	v, ok := h.engine.Rating("ai-1")
	assert.True(t, ok)
	assert.Equal(t, feedback.Like, v)

	h.clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		_, err := h.engine.RateMessage(context.Background(), "ai-1", feedback.Dislike)
		return errors.Is(err, ErrRatingClosed)
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.engine.RateMessage(context.Background(), "missing", feedback.Like)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

type stubRecorder struct {
	audio voice.Audio
}

func (r *stubRecorder) Start() error               { return nil }
func (r *stubRecorder) Stop() (voice.Audio, error) { return r.audio, nil }

func TestVoiceSubmissionSendsTranscript(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	ctx := context.Background()

	rec := &stubRecorder{audio: voice.Audio{Data: []byte("clip"), MimeType: "audio/webm"}}
	require.NoError(t, h.engine.StartVoice(ctx, rec, &voice.ScriptedRecognizer{Phrases: []string{"quero", "ajuda"}}))
	id, err := h.engine.StopVoice(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	p := h.transport.sent()[0].payload
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "quero ajuda", p.Text)

	s := h.snapshot(t)
	require.Len(t, s.Entries, 1)
	assert.Equal(t, conversation.KindVoiceAudio, s.Entries[0].Kind)
	assert.Equal(t, "quero ajuda", s.Entries[0].Transcript)
	require.NotNil(t, s.Entries[0].Voice)
	assert.True(t, strings.HasPrefix(s.Entries[0].Voice.DataURL, "data:audio/webm;base64,"))

	var artifacts []conversation.VoiceArtifact
	_, err = storage.GetJSON(ctx, h.store, storage.KeyVoiceArtifacts, &artifacts)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, id, artifacts[0].ID)

	// the server echo of the transcript settles the voice entry
	h.transport.fire(transport.EventMessage, map[string]any{
		"olmId": 800, "olmTipo": "US", "olmMensagemCliente": "quero ajuda", "usuId": "42",
	})
	h.waitFor(t, func(s Snapshot) bool { return s.Entries[0].Status == conversation.StatusAccepted })
	assert.Len(t, h.snapshot(t).Entries, 1)

	_, err = h.engine.StopVoice(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestVoiceWithoutTranscriptAddsFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	ctx := context.Background()

	rec := &stubRecorder{audio: voice.Audio{Data: []byte("clip")}}
	require.NoError(t, h.engine.StartVoice(ctx, rec, &voice.ScriptedRecognizer{}))
	_, err := h.engine.StopVoice(ctx)
	require.NoError(t, err)

	s := h.snapshot(t)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, conversation.KindVoiceAudio, s.Entries[0].Kind)
	assert.Equal(t, conversation.StatusPending, s.Entries[0].Status)
	assert.Equal(t, VoiceFallbackReply, s.Entries[1].Payload.Text)
	assert.Empty(t, h.transport.sent())

	_, err = h.engine.SendText(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStartVoiceRespectsPreferences(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, err := h.engine.UpdatePreferences(ctx, func(p *Preferences) {
		p.STT = false
		p.FontSize = 3
	})
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.FontSize)

	err = h.engine.StartVoice(ctx, &stubRecorder{}, nil)
	assert.ErrorIs(t, err, ErrVoiceDisabled)
}

type fakeLinks struct {
	putURL string
}

func (l *fakeLinks) RequestUploadLink(context.Context, string, string, string) (string, error) {
	return l.putURL, nil
}

func (l *fakeLinks) RequestDownloadLink(context.Context, string, string) (string, error) {
	return l.putURL, nil
}

func TestUploadAnnouncesAttachment(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			body, _ = io.ReadAll(r.Body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, func(_ *harness, d *Deps) {
		d.Links = &fakeLinks{putURL: srv.URL + "/obj?Expires=1"}
		d.HTTPClient = srv.Client()
	})
	h.connected(t, nil, "A")
	h.transport.mu.Lock()
	h.transport.autoAck = func(OutboundMessage) (json.RawMessage, error) { return ackOK(nil), nil }
	h.transport.mu.Unlock()

	res, err := h.engine.Upload(context.Background(), upload.File{
		Name: "foto.png", MimeType: "image/png", Size: 3, Body: strings.NewReader("png"),
	}, conversation.MediaImage)
	require.NoError(t, err)
	assert.Equal(t, "png", string(body))
	assert.Equal(t, upload.StatusSuccess, res.Progress.Announce)

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "IMG", sent[0].payload.MediaKind)
	assert.Equal(t, "image/png", sent[0].payload.MimeType)
	assert.True(t, strings.HasSuffix(sent[0].payload.Text, ".png"))

	s := h.snapshot(t)
	require.Len(t, s.Entries, 1)
	require.NotNil(t, s.Entries[0].Payload.Attachment)
	assert.Equal(t, conversation.StatusAccepted, s.Entries[0].Status)
	assert.ErrorIs(t, h.engine.Resend(context.Background(), s.Entries[0].ID), conversation.ErrNotResubmittable)
}

func TestUploadReturnsWhenEngineCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, func(_ *harness, d *Deps) {
		d.Links = &fakeLinks{putURL: srv.URL + "/obj?Expires=1"}
		d.HTTPClient = srv.Client()
	})
	h.connected(t, nil, "A")

	// no autoAck: the announce stays in flight until the engine goes away
	errc := make(chan error, 1)
	go func() {
		_, err := h.engine.Upload(context.Background(), upload.File{
			Name: "foto.png", MimeType: "image/png", Size: 3, Body: strings.NewReader("png"),
		}, conversation.MediaImage)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.engine.Close()

	select {
	case err := <-errc:
		var phaseErr *upload.PhaseError
		require.ErrorAs(t, err, &phaseErr)
		assert.Equal(t, upload.PhaseAnnounce, phaseErr.Phase)
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Upload did not return after Close")
	}
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.connected(t, nil, "A")
	h.engine.Close()

	_, err := h.engine.SendText(context.Background(), "oi")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.transport.Connected())
}
