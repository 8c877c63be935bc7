package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	httpmiddleware "github.com/wolfman30/chat-session-engine/internal/http/middleware"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

// Config controls the emulated backend.
type Config struct {
	RoutingCode string
	// RatingKey must match the x-Key header of message ratings.
	RatingKey string
	// Channels restricts x-Canal; empty accepts any channel.
	Channels       []string
	OperatorSecret string
	CORSOrigins    []string
	// RatingRate and RatingBurst throttle message ratings per client IP.
	RatingRate  float64
	RatingBurst int
	// Bot enables the scripted assistant.
	Bot bool
}

// Deps are the collaborators of the server. Links falls back to Blobs.
type Deps struct {
	Registry *Registry
	Tokens   *RoomTokens
	Links    upload.LinkIssuer
	Blobs    *BlobStore
	Ratings  RatingRepository
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Server serves the HTTP collaborator endpoints, the socket and the
// operator API.
type Server struct {
	cfg      Config
	registry *Registry
	tokens   *RoomTokens
	links    upload.LinkIssuer
	blobs    *BlobStore
	ratings  RatingRepository
	clock    clock.Clock
	logger   *logging.Logger
	hub      *Hub
	channels map[string]struct{}
}

func New(cfg Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry(deps.Clock, cfg.RoutingCode)
	}
	if deps.Ratings == nil {
		deps.Ratings = NewMemoryRatingRepository()
	}
	if deps.Links == nil && deps.Blobs != nil {
		deps.Links = deps.Blobs
	}
	if cfg.RatingRate <= 0 {
		cfg.RatingRate = 2
	}
	if cfg.RatingBurst <= 0 {
		cfg.RatingBurst = 10
	}
	var bot *Bot
	if cfg.Bot {
		bot = NewBot(deps.Clock.Now)
	}
	channels := make(map[string]struct{}, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if c = strings.TrimSpace(c); c != "" {
			channels[c] = struct{}{}
		}
	}
	return &Server{
		cfg:      cfg,
		registry: deps.Registry,
		tokens:   deps.Tokens,
		links:    deps.Links,
		blobs:    deps.Blobs,
		ratings:  deps.Ratings,
		clock:    deps.Clock,
		logger:   deps.Logger,
		hub:      NewHub(deps.Registry, bot, deps.Clock.Now, deps.Logger),
		channels: channels,
	}
}

// Hub exposes the socket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(httpmiddleware.CORS(s.cfg.CORSOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(s.logger))
	r.Use(withRequestBase)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/PostGeraWebchatSession", s.handleCreateSession)
	r.Get("/GetInfoChat", s.handleRoomInfo)
	r.Get("/SolicLinkArquivo", s.handleUploadLink)
	r.Get("/RetornaUrlArquivo", s.handleDownloadLink)
	r.Post("/PostAvaliacaoAtdFinalizado", s.handleSessionRating)
	limiter := httpmiddleware.NewRateLimiter(s.cfg.RatingRate, s.cfg.RatingBurst, s.clock)
	r.With(httpmiddleware.RateLimit(limiter)).Post("/chat/make/tip", s.handleMessageRating)
	r.Handle("/socket", s.hub)
	if s.blobs != nil {
		r.Mount("/blobs", s.blobs.Routes())
	}
	r.Route("/operator", func(op chi.Router) {
		op.Use(httpmiddleware.OperatorJWT(s.cfg.OperatorSecret))
		s.operatorRoutes(op)
	})
	return r
}

func withRequestBase(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		next.ServeHTTP(w, r.WithContext(withBaseURL(r.Context(), scheme+"://"+r.Host)))
	})
}

func (s *Server) allowedChannel(channel string) bool {
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[channel]
	return ok
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.Header.Get("x-Canal"))
	if channel == "" {
		http.Error(w, "missing required header x-Canal", http.StatusBadRequest)
		return
	}
	if !s.allowedChannel(channel) {
		http.Error(w, "unknown channel", http.StatusForbidden)
		return
	}
	session := s.registry.Create(channel, "")
	s.logger.Info("devserver: session created", "protocol_id", session.Protocol, "channel", channel)
	writeJSON(w, http.StatusOK, map[string]string{"protocolo": session.Protocol})
}

// handleRoomInfo resolves the room token to the newest session on its
// channel and binds the token's client to it. A room without a session
// reports F so the widget starts a new one.
func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		http.Error(w, "room tokens disabled", http.StatusNotImplemented)
		return
	}
	claims, err := s.tokens.Verify(r.Header.Get("x-Token"), r.Header.Get("x-Hash"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	info := roomInfo{
		Status:      string(StatusFinished),
		ClientID:    claims.ClientID,
		UserID:      claims.ClientID,
		RoutingCode: s.cfg.RoutingCode,
	}
	if latest, ok := s.registry.Latest(claims.Channel); ok {
		session, err := s.registry.Update(latest.Protocol, true, func(cs *ChatSession) {
			if cs.ClientID == "" {
				cs.ClientID = claims.ClientID
			}
		})
		if err == nil {
			info.Status = string(session.Status)
			if session.Status == StatusQueued {
				info.Status = string(StatusActive)
			}
			info.OmbID = session.OmbID
			info.Protocol = session.Protocol
			info.RoutingCode = session.RoutingCode
		}
	}
	writeJSON(w, http.StatusOK, info)
}

type roomInfo struct {
	Status      string `json:"chmStatus"`
	ClientID    string `json:"cliId"`
	UserID      string `json:"usuId"`
	OmbID       string `json:"ombId"`
	RoutingCode string `json:"afiCodigo"`
	Protocol    string `json:"ombProtocolo,omitempty"`
}

func (s *Server) handleUploadLink(w http.ResponseWriter, r *http.Request) {
	protocol, key := r.Header.Get("x-Protocolo"), r.Header.Get("x-Arquivo")
	mime := r.Header.Get("x-Type")
	if protocol == "" || key == "" || mime == "" {
		http.Error(w, "missing required header x-Protocolo, x-Arquivo or x-Type", http.StatusBadRequest)
		return
	}
	if !s.knownProtocol(w, protocol) {
		return
	}
	s.issueLink(w, r, func() (string, error) {
		return s.links.RequestUploadLink(r.Context(), protocol, key, mime)
	})
}

func (s *Server) handleDownloadLink(w http.ResponseWriter, r *http.Request) {
	protocol, key := r.Header.Get("x-Protocolo"), r.Header.Get("x-Arquivo")
	if protocol == "" || key == "" {
		http.Error(w, "missing required header x-Protocolo or x-Arquivo", http.StatusBadRequest)
		return
	}
	if !s.knownProtocol(w, protocol) {
		return
	}
	s.issueLink(w, r, func() (string, error) {
		return s.links.RequestDownloadLink(r.Context(), protocol, key)
	})
}

func (s *Server) knownProtocol(w http.ResponseWriter, protocol string) bool {
	if _, err := s.registry.Get(protocol); err != nil {
		http.Error(w, "unknown protocol", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) issueLink(w http.ResponseWriter, r *http.Request, issue func() (string, error)) {
	if s.links == nil {
		http.Error(w, "file storage disabled", http.StatusNotImplemented)
		return
	}
	u, err := issue()
	if err != nil {
		s.logger.Warn("devserver: link not issued", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]any{"erros": true, "mensagem": "arquivo indisponível"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleSessionRating(w http.ResponseWriter, r *http.Request) {
	ombID, protocol := r.Header.Get("x-OmbID"), r.Header.Get("x-protocolo")
	session, ok := s.registry.ByOmbID(ombID)
	if !ok && protocol != "" {
		var err error
		session, err = s.registry.Get(protocol)
		ok = err == nil
	}
	if !ok {
		writeJSON(w, http.StatusOK, backend.RatingResult{Errors: true, Message: "atendimento não encontrado"})
		return
	}

	rating := SessionRating{OmbID: session.OmbID, Protocol: session.Protocol, CreatedAt: s.clock.Now()}
	q := r.URL.Query()
	if stars := q.Get("x-Avaliacao"); stars != "" {
		n, err := strconv.Atoi(stars)
		if err != nil || n < 1 || n > 5 {
			writeJSON(w, http.StatusOK, backend.RatingResult{Errors: true, Message: "avaliação inválida"})
			return
		}
		rating.Stars = n
	} else {
		demand := strings.ToUpper(q.Get("x-DemandaAtd"))
		if demand != "S" && demand != "N" {
			writeJSON(w, http.StatusOK, backend.RatingResult{Errors: true, Message: "demanda inválida"})
			return
		}
		rating.Demand = demand
	}
	if err := s.ratings.SaveSessionRating(r.Context(), rating); err != nil {
		s.logger.Error("devserver: session rating not saved", "protocol_id", session.Protocol, "error", err)
		http.Error(w, "rating not saved", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, backend.RatingResult{Message: "Avaliação registrada"})
}

func (s *Server) handleMessageRating(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RatingKey != "" && r.Header.Get("x-Key") != s.cfg.RatingKey {
		http.Error(w, "invalid key", http.StatusForbidden)
		return
	}
	tip := backend.RatingTip(r.Header.Get("x-Tip"))
	protocol, messageID := r.Header.Get("x-Prot"), r.Header.Get("x-Id")
	if !tip.Valid() || protocol == "" || messageID == "" {
		http.Error(w, "missing or invalid x-Tip, x-Prot or x-Id", http.StatusBadRequest)
		return
	}
	rating := MessageRating{Protocol: protocol, MessageID: messageID, Tip: string(tip), UpdatedAt: s.clock.Now()}
	if err := s.ratings.SaveMessageRating(r.Context(), rating); err != nil {
		s.logger.Error("devserver: message rating not saved", "protocol_id", protocol, "message_id", messageID, "error", err)
		http.Error(w, "rating not saved", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json")
	}
	return nil
}

func operatorSubject(r *http.Request) (string, bool) {
	claims, ok := httpmiddleware.OperatorFromContext(r.Context())
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}
