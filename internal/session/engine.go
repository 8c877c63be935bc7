// Package session runs the chat session engine: one goroutine that owns the
// conversation and the session lifecycle and reacts to transport events,
// timers, user actions and completed I/O posted onto its event queue.
package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/feedback"
	"github.com/wolfman30/chat-session-engine/internal/observability/metrics"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/internal/transport"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/internal/voice"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

const (
	DefaultReconnectDelay      = 2 * time.Second
	DefaultReconnectRetryDelay = 5 * time.Second
	DefaultAckTimeout          = 30 * time.Second

	// DefaultChannelKey is the canal sent when no client key is configured.
	DefaultChannelKey = "C7VY7HCVF47H3F4"

	eventQueueSize = 256
)

// Backend is the HTTP collaborator used for the session lifecycle.
type Backend interface {
	CreateSession(ctx context.Context, channelKey string) (string, error)
	GetRoomInfo(ctx context.Context, token, hash string) (*backend.RoomInfo, error)
}

// Config holds the per-deployment session settings.
type Config struct {
	ClientKey   string
	ChannelKey  string
	RoutingCode string
	RoomToken   string
	RoomHash    string

	ReconnectDelay      time.Duration
	ReconnectRetryDelay time.Duration
	AckTimeout          time.Duration
	// StarsResetDelay is how long after a star rating the reset marker is set.
	StarsResetDelay   time.Duration
	RatingWindow      time.Duration
	VoiceRestartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChannelKey == "" {
		c.ChannelKey = DefaultChannelKey
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectRetryDelay <= 0 {
		c.ReconnectRetryDelay = DefaultReconnectRetryDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.StarsResetDelay <= 0 {
		c.StarsResetDelay = feedback.DefaultResetDelay
	}
	if c.RatingWindow <= 0 {
		c.RatingWindow = conversation.DefaultRatingWindow
	}
	if c.VoiceRestartDelay <= 0 {
		c.VoiceRestartDelay = voice.DefaultRestartDelay
	}
	return c
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Backend   Backend
	Transport transport.Client
	Store     storage.Store
	// PreferenceStore holds preferences; it defaults to Store.
	PreferenceStore storage.Store
	Ratings         feedback.Client
	Limiter         feedback.Limiter
	Links           upload.LinkIssuer
	HTTPClient      *http.Client
	UploadMaxBytes  int64
	URLCache        *upload.URLCache
	Clock           clock.Clock
	Logger          *logging.Logger
	Metrics         *metrics.EngineMetrics
}

// Option customizes an Engine.
type Option func(*Engine)

// WithListener registers a callback that receives a snapshot after every
// handled event. It runs on the engine goroutine and must not block.
func WithListener(f func(Snapshot)) Option { return func(e *Engine) { e.listener = f } }

// WithNotifier registers a callback for user-facing notices.
func WithNotifier(f func(Notice)) Option { return func(e *Engine) { e.notifier = f } }

// Engine is the session actor. Exported methods are safe for concurrent use;
// everything else runs on the goroutine started by Run.
type Engine struct {
	cfg        Config
	backend    Backend
	transport  transport.Client
	store      storage.Store
	prefsStore storage.Store
	clock      clock.Clock
	loop       clock.Clock
	logger     *logging.Logger
	metrics    *metrics.EngineMetrics
	feedback   *feedback.Submitter
	uploads    *upload.Orchestrator
	downloads  *upload.Downloader
	listener   func(Snapshot)
	notifier   func(Notice)

	events   chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runCtx   context.Context
	cancel   context.CancelFunc

	captureMu sync.Mutex
	capture   *voice.Capture

	// owned by the loop
	conv           *conversation.Conversation
	state          State
	protocol       string
	userID         string
	room           *backend.RoomInfo
	ready          bool
	binding        *bindRequest
	bindSeq        int
	resetting      bool
	deferred       []outbound
	queuePosition  int
	agentID        string
	survey         Survey
	prefs          Preferences
	reconnectTimer clock.Timer
	reconnectGen   int
	unsubscribe    func()
}

type bindRequest struct {
	seq      int
	preserve bool
}

// New wires an engine. Call Run to start it.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.PreferenceStore == nil {
		deps.PreferenceStore = deps.Store
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.URLCache == nil {
		deps.URLCache = upload.NewURLCache(deps.Clock, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		backend:    deps.Backend,
		transport:  deps.Transport,
		store:      deps.Store,
		prefsStore: deps.PreferenceStore,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		events:     make(chan func(), eventQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		runCtx:     ctx,
		cancel:     cancel,
		prefs:      DefaultPreferences(),
	}
	e.loop = loopClock{base: deps.Clock, post: e.post}
	e.conv = conversation.New(conversation.Options{
		Clock:        e.loop,
		RatingWindow: cfg.RatingWindow,
		Logger:       deps.Logger,
	})
	e.feedback = feedback.NewSubmitter(deps.Ratings, deps.Limiter, deps.Logger,
		feedback.WithClock(e.loop),
		feedback.WithResetDelay(cfg.StarsResetDelay),
		feedback.WithResetHook(e.onStarsSettled),
	)
	uploadOpts := []upload.Option{upload.WithHTTPClient(deps.HTTPClient)}
	if deps.UploadMaxBytes > 0 {
		uploadOpts = append(uploadOpts, upload.WithMaxBytes(deps.UploadMaxBytes))
	}
	if deps.Metrics != nil {
		uploadOpts = append(uploadOpts, upload.WithObserver(deps.Metrics))
	}
	e.uploads = upload.NewOrchestrator(deps.Links, deps.Logger, uploadOpts...)
	e.downloads = upload.NewDownloader(deps.Links, deps.URLCache, deps.HTTPClient)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run boots the session and processes events until ctx ends or Close is
// called. It tears everything down before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.unsubscribe = e.transport.Subscribe(func(ev transport.Event) {
		e.post(func() { e.handleEvent(ev) })
	})
	e.boot()
	e.publish()

	for {
		select {
		case fn := <-e.events:
			fn()
			e.publish()
		case <-ctx.Done():
			e.teardown()
			return ctx.Err()
		case <-e.stop:
			e.teardown()
			return nil
		}
	}
}

// Close stops the engine and waits for teardown when Run is active.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.running.Load() {
		<-e.done
	}
}

// Done is closed after teardown.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it. It must never be used from the
// loop itself.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// async runs work off the loop and posts the continuation it returns.
func (e *Engine) async(work func(ctx context.Context) func()) {
	go func() {
		if next := work(e.runCtx); next != nil {
			e.post(next)
		}
	}()
}

func (e *Engine) teardown() {
	e.conv.Close()
	e.stopReconnect()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.feedback.Close()

	e.captureMu.Lock()
	if e.capture != nil {
		e.capture.Cancel()
		e.capture = nil
	}
	e.captureMu.Unlock()

	_ = e.transport.Disconnect()
	pending := e.deferred
	e.deferred = nil
	for _, o := range pending {
		o.finish(ErrClosed)
	}
	e.cancel()
	close(e.done)
	e.logger.Info("session engine stopped", "protocol_id", e.protocol, "state", e.state.String())
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.logger.Info("session state changed", "from", e.state.String(), "to", s.String(), "protocol_id", e.protocol)
	e.metrics.ObserveTransition(e.state.String(), s.String())
	e.state = s
}

func (e *Engine) notify(title, detail string) {
	if e.notifier != nil {
		e.notifier(Notice{Title: title, Detail: detail})
	}
}

// channel is the canal sent on connect and when creating sessions.
func (e *Engine) channel() string {
	if e.cfg.ClientKey != "" {
		return e.cfg.ClientKey
	}
	return e.cfg.ChannelKey
}

func (e *Engine) recipient() string {
	if e.room == nil {
		return ""
	}
	return e.room.UserID
}

// fileProtocol is the protocol id used for upload and download links.
func (e *Engine) fileProtocol() string {
	if e.room != nil && e.room.Protocol != "" {
		return e.room.Protocol
	}
	return e.protocol
}

func (e *Engine) ombID() string {
	if e.room == nil {
		return ""
	}
	return e.room.OmbID
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	State            State
	Protocol         string
	UserID           string
	AgentID          string
	QueuePosition    int
	Ready            bool
	Handoff          bool
	AwaitingResponse bool
	Survey           Survey
	RatingsDisabled  bool
	Preferences      Preferences
	Entries          []conversation.Message
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		State:            e.state,
		Protocol:         e.protocol,
		UserID:           e.userID,
		AgentID:          e.agentID,
		QueuePosition:    e.queuePosition,
		Ready:            e.ready,
		Handoff:          e.conv.Handoff(),
		AwaitingResponse: e.conv.AwaitingResponse(),
		Survey:           e.survey,
		RatingsDisabled:  e.feedback.Disabled(),
		Preferences:      e.prefs,
		Entries:          e.conv.Entries(),
	}
}

func (e *Engine) publish() {
	if e.listener != nil {
		e.listener(e.snapshot())
	}
}

// Snapshot returns the current state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.call(ctx, func() { s = e.snapshot() })
	return s, err
}

// loopClock delivers timer callbacks onto the engine loop.
type loopClock struct {
	base clock.Clock
	post func(func()) bool
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.base.AfterFunc(d, func() { c.post(f) })
}
