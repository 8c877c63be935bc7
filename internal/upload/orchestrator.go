// Package upload moves attachments through the presigned three-phase flow
// (solicit a link, transfer the bytes, announce the message) and resolves
// download links through an expiry-aware cache.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

var tracer = otel.Tracer("chat.internal.upload")

// DefaultMaxBytes is the upload ceiling.
const DefaultMaxBytes int64 = 100 * 1024 * 1024

// Phase names one step of an upload.
type Phase string

const (
	PhaseSolicit  Phase = "solicit"
	PhaseTransfer Phase = "transfer"
	PhaseAnnounce Phase = "announce"
)

// Status is the state of one phase.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Progress is the per-phase state of an upload.
type Progress struct {
	Solicit  Status
	Transfer Status
	Announce Status
}

func newProgress() Progress {
	return Progress{Solicit: StatusIdle, Transfer: StatusIdle, Announce: StatusIdle}
}

func (p *Progress) set(phase Phase, s Status) {
	switch phase {
	case PhaseSolicit:
		p.Solicit = s
	case PhaseTransfer:
		p.Transfer = s
	case PhaseAnnounce:
		p.Announce = s
	}
}

var allowedTypes = map[conversation.MediaKind][]string{
	conversation.MediaImage: {"image/png", "image/jpeg", "image/jpg"},
	conversation.MediaDocument: {
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/csv",
		"text/plain",
	},
	conversation.MediaVideo: {"video/mp4"},
}

// AllowedTypes returns the accepted MIME types for kind.
func AllowedTypes(kind conversation.MediaKind) []string {
	return append([]string(nil), allowedTypes[kind]...)
}

// File is an attachment picked by the user.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// LinkIssuer hands out presigned URLs.
type LinkIssuer interface {
	RequestUploadLink(ctx context.Context, protocol, fileKey, mimeType string) (string, error)
	RequestDownloadLink(ctx context.Context, protocol, fileKey string) (string, error)
}

// AnnounceFunc sends the attachment message and returns once it is acknowledged.
type AnnounceFunc func(ctx context.Context, att conversation.Attachment) error

// Observer receives phase outcomes.
type Observer interface {
	ObserveUploadPhase(phase, outcome string)
}

type Option func(*Orchestrator)

func WithHTTPClient(c *http.Client) Option { return func(o *Orchestrator) { o.http = c } }
func WithMaxBytes(n int64) Option { return func(o *Orchestrator) { o.maxBytes = n } }
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }
func WithKeyGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithProgress registers a callback invoked after every phase change.
func WithProgress(f func(Progress)) Option { return func(o *Orchestrator) { o.progress = f } }

// Orchestrator runs uploads.
type Orchestrator struct {
	issuer   LinkIssuer
	http     *http.Client
	logger   *logging.Logger
	maxBytes int64
	newID    func() string
	observer Observer
	progress func(Progress)
}

func NewOrchestrator(issuer LinkIssuer, logger *logging.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		issuer:   issuer,
		http:     http.DefaultClient,
		logger:   logger,
		maxBytes: DefaultMaxBytes,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks f against the allow-list for kind and the size ceiling.
func (o *Orchestrator) Validate(f File, kind conversation.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: media kind %q", ErrValidation, kind)
	}
	ok := false
	for _, t := range allowedTypes[kind] {
		if strings.EqualFold(t, f.MimeType) {
			ok = true
			break
		}
	}
	if !ok {
		return ErrUnsupportedType
	}
	if f.Size > o.maxBytes {
		return ErrTooLarge
	}
	return nil
}

// Result describes a finished or stopped upload.
type Result struct {
	Attachment conversation.Attachment
	Progress   Progress
}

// Upload validates f and runs the three phases in order. A failing phase is
// marked error, later phases stay idle and earlier ones keep their success.
func (o *Orchestrator) Upload(ctx context.Context, protocol string, f File, kind conversation.MediaKind, announce AnnounceFunc) (Result, error) {
	res := Result{Progress: newProgress()}
	if err := o.Validate(f, kind); err != nil {
		return res, err
	}

	ctx, span := tracer.Start(ctx, "upload.upload")
	defer span.End()

	res.Attachment = conversation.Attachment{
		Key:      o.fileKey(f.Name),
		Media:    kind,
		MimeType: f.MimeType,
	}
	span.SetAttributes(
		attribute.String("chat.file_key", res.Attachment.Key),
		attribute.String("chat.media_kind", string(kind)),
	)

	var link string
	steps := []struct {
		phase Phase
		run   func() error
	}{
		{PhaseSolicit, func() error {
			u, err := o.issuer.RequestUploadLink(ctx, protocol, res.Attachment.Key, f.MimeType)
			if err != nil {
				return err
			}
			if u == "" {
				return ErrEmptyURL
			}
			link = u
			return nil
		}},
		{PhaseTransfer, func() error { return o.put(ctx, link, f) }},
		{PhaseAnnounce, func() error { return announce(ctx, res.Attachment) }},
	}

	for _, step := range steps {
		o.mark(&res.Progress, step.phase, StatusLoading)
		if err := step.run(); err != nil {
			o.mark(&res.Progress, step.phase, StatusError)
			o.logger.Warn("upload phase failed",
				"phase", step.phase,
				"file_key", res.Attachment.Key,
				"error", err,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, &PhaseError{Phase: step.phase, Err: err}
		}
		o.mark(&res.Progress, step.phase, StatusSuccess)
	}
	o.logger.Info("upload completed", "file_key", res.Attachment.Key, "mime_type", f.MimeType, "size", f.Size)
	return res, nil
}

func (o *Orchestrator) mark(p *Progress, phase Phase, s Status) {
	p.set(phase, s)
	if o.observer != nil && (s == StatusSuccess || s == StatusError) {
		o.observer.ObserveUploadPhase(string(phase), string(s))
	}
	if o.progress != nil {
		o.progress(*p)
	}
}

// fileKey is a fresh uuid keeping the original extension.
func (o *Orchestrator) fileKey(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		// a name without a dot keeps its whole name as the extension
		ext = name
	}
	return o.newID() + "." + ext
}

func (o *Orchestrator) put(ctx context.Context, link string, f File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, link, f.Body)
	if err != nil {
		return fmt.Errorf("upload: build transfer request: %w", err)
	}
	req.ContentLength = f.Size
	req.Header.Set("Content-Type", f.MimeType)
	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: transfer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransferStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
