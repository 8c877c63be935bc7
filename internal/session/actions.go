package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/feedback"
	"github.com/wolfman30/chat-session-engine/internal/storage"
	"github.com/wolfman30/chat-session-engine/internal/upload"
	"github.com/wolfman30/chat-session-engine/internal/voice"
)

// VoiceFallbackReply is shown when a recording produced no transcript.
const VoiceFallbackReply = "Não entendi, poderia repetir novamente?"

// SendText appends a Pending user message and sends it. Blank text resends
// the transcript of a pending voice message without a new bubble. It returns
// the id of the entry being sent.
func (e *Engine) SendText(ctx context.Context, text string) (string, error) {
	var id string
	var opErr error
	if err := e.call(ctx, func() { id, opErr = e.sendText(text) }); err != nil {
		return "", err
	}
	return id, opErr
}

func (e *Engine) sendText(text string) (string, error) {
	e.beginAction()
	text = strings.TrimSpace(text)
	if text == "" {
		v, ok := e.conv.LastVoice()
		transcript := strings.TrimSpace(v.Transcript)
		if !ok || transcript == "" || v.Status != conversation.StatusPending {
			return "", ErrEmptyMessage
		}
		e.dispatch(outbound{id: v.ID, text: conversation.Sanitize(transcript)})
		return v.ID, nil
	}

	m := e.localEntry(conversation.KindUserText)
	m.Payload.Text = conversation.Sanitize(text)
	if err := e.conv.Append(m); err != nil {
		return "", err
	}
	e.dispatch(outbound{id: m.ID})
	return m.ID, nil
}

// SelectOption answers the newest menu with one of its options.
func (e *Engine) SelectOption(ctx context.Context, menuID, optionID string) (string, error) {
	var id string
	var opErr error
	err := e.call(ctx, func() {
		opt, err := e.conv.Option(menuID, optionID)
		if err != nil {
			opErr = err
			return
		}
		e.beginAction()
		m := e.localEntry(conversation.KindUserText)
		m.Payload.Text = conversation.Sanitize(opt.Text)
		if opErr = e.conv.Append(m); opErr != nil {
			return
		}
		e.dispatch(outbound{id: m.ID, buttonID: opt.ID, reference: menuID})
		id = m.ID
	})
	if err != nil {
		return "", err
	}
	return id, opErr
}

// Resend moves a failed user message back to Pending and sends it again
// under the same id. Attachments cannot be resent.
func (e *Engine) Resend(ctx context.Context, id string) error {
	var opErr error
	err := e.call(ctx, func() {
		m, ok := e.conv.Get(id)
		if !ok {
			opErr = conversation.ErrNotFound
			return
		}
		if m.Payload.Attachment != nil {
			opErr = conversation.ErrNotResubmittable
			return
		}
		if m, opErr = e.conv.Resubmit(id); opErr != nil {
			return
		}
		e.beginAction()
		o := outbound{id: m.ID}
		if m.Kind == conversation.KindVoiceAudio {
			o.text = conversation.Sanitize(strings.TrimSpace(m.Transcript))
		}
		e.logger.Info("resending message", "message_id", id, "protocol_id", e.protocol)
		e.dispatch(o)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Upload validates f and runs the solicit, transfer and announce phases. The
// announce phase completes when the attachment message is acknowledged.
func (e *Engine) Upload(ctx context.Context, f upload.File, kind conversation.MediaKind) (upload.Result, error) {
	var protocol string
	if err := e.call(ctx, func() { protocol = e.fileProtocol() }); err != nil {
		return upload.Result{}, err
	}
	if protocol == "" {
		return upload.Result{}, ErrNoSession
	}
	return e.uploads.Upload(ctx, protocol, f, kind, e.announce)
}

func (e *Engine) announce(ctx context.Context, att conversation.Attachment) error {
	done := make(chan error, 1)
	var opErr error
	err := e.call(ctx, func() {
		m := e.localEntry(conversation.KindUserText)
		m.Payload.Attachment = &att
		if opErr = e.conv.Append(m); opErr != nil {
			return
		}
		e.dispatch(outbound{id: m.ID, done: done})
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	select {
	case err := <-done:
		return err
	case <-e.done:
		// the ack continuation is dropped once the loop has exited
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Download fetches an attachment through the download-link cache.
func (e *Engine) Download(ctx context.Context, fileKey string) ([]byte, error) {
	var protocol string
	if err := e.call(ctx, func() { protocol = e.fileProtocol() }); err != nil {
		return nil, err
	}
	if protocol == "" {
		return nil, ErrNoSession
	}
	return e.downloads.Download(ctx, protocol, fileKey)
}

// RateMessage likes or dislikes an AI reply while its rating window is open.
// Repeating the current value removes the rating.
func (e *Engine) RateMessage(ctx context.Context, messageID string, v feedback.Value) (feedback.Outcome, error) {
	var protocol string
	var opErr error
	err := e.call(ctx, func() {
		m, ok := e.conv.Get(messageID)
		if !ok {
			opErr = conversation.ErrNotFound
			return
		}
		if m.Kind != conversation.KindAIText || !e.conv.RatingOpen(messageID) {
			opErr = ErrRatingClosed
			return
		}
		protocol = e.protocol
	})
	if err != nil {
		return feedback.Outcome{}, err
	}
	if opErr != nil {
		return feedback.Outcome{}, opErr
	}
	return e.feedback.RateMessage(ctx, protocol, messageID, v)
}

// Rating returns the active rating of an AI reply.
func (e *Engine) Rating(messageID string) (feedback.Value, bool) {
	return e.feedback.Rating(messageID)
}

// ResetRatingLimits re-enables rating controls after a limiter refusal.
func (e *Engine) ResetRatingLimits(ctx context.Context) error {
	return e.feedback.ResetLimits(ctx)
}

func (e *Engine) sessionIDs(ctx context.Context) (ombID, protocol string, err error) {
	err = e.call(ctx, func() {
		ombID = e.ombID()
		protocol = e.protocol
	})
	if err == nil && ombID == "" && protocol == "" {
		err = ErrNoSession
	}
	return ombID, protocol, err
}

// SubmitDemand answers whether the demand was resolved, then asks for stars.
func (e *Engine) SubmitDemand(ctx context.Context, resolved bool) error {
	ombID, protocol, err := e.sessionIDs(ctx)
	if err != nil {
		return err
	}
	if err := e.feedback.SubmitDemand(ctx, ombID, protocol, resolved); err != nil {
		return err
	}
	return e.call(ctx, func() { e.survey = SurveyStars })
}

// SubmitStars sends the 1..5 score. Once answered, the session is reset after
// the configured delay.
func (e *Engine) SubmitStars(ctx context.Context, stars int) (*backend.RatingResult, error) {
	ombID, protocol, err := e.sessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	res, err := e.feedback.SubmitStars(ctx, ombID, protocol, stars)
	if res != nil && err == nil {
		if cerr := e.call(ctx, func() { e.survey = SurveyNone }); cerr != nil {
			return res, cerr
		}
	}
	return res, err
}

// RequestReset sets the reset marker; the next user action starts a new
// session.
func (e *Engine) RequestReset(ctx context.Context) error {
	var opErr error
	err := e.call(ctx, func() { opErr = storage.MarkReset(e.runCtx, e.store) })
	if err != nil {
		return err
	}
	return opErr
}

// Preferences returns the current settings.
func (e *Engine) Preferences(ctx context.Context) (Preferences, error) {
	var p Preferences
	err := e.call(ctx, func() { p = e.prefs })
	return p, err
}

// UpdatePreferences applies fn, normalizes and persists the result.
func (e *Engine) UpdatePreferences(ctx context.Context, fn func(*Preferences)) (Preferences, error) {
	var p Preferences
	var opErr error
	err := e.call(ctx, func() {
		next := e.prefs
		fn(&next)
		next = next.Normalize()
		if opErr = SavePreferences(e.runCtx, e.prefsStore, next); opErr != nil {
			return
		}
		e.prefs = next
		p = next
	})
	if err != nil {
		return Preferences{}, err
	}
	return p, opErr
}

// StartVoice begins a capture using the given sources.
func (e *Engine) StartVoice(ctx context.Context, rec voice.Recorder, recog voice.Recognizer) error {
	prefs, err := e.Preferences(ctx)
	if err != nil {
		return err
	}
	if !prefs.STT {
		return ErrVoiceDisabled
	}

	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.capture != nil && e.capture.Recording() {
		return voice.ErrAlreadyRecording
	}
	c := voice.NewCapture(rec, recog,
		voice.WithClock(e.clock),
		voice.WithRestartDelay(e.cfg.VoiceRestartDelay),
		voice.WithLogger(e.logger),
	)
	if err := c.Start(); err != nil {
		return err
	}
	e.capture = c
	return nil
}

// StopVoice ends the capture and submits it. It returns the id of the voice
// entry, or "" when nothing was recorded.
func (e *Engine) StopVoice(ctx context.Context) (string, error) {
	e.captureMu.Lock()
	c := e.capture
	e.capture = nil
	e.captureMu.Unlock()
	if c == nil {
		return "", ErrNotRecording
	}

	res := c.Stop()
	var id string
	if err := e.call(ctx, func() { id = e.submitVoice(res) }); err != nil {
		return "", err
	}
	return id, nil
}

// submitVoice stores the recording, adds a voice entry and sends its
// transcript. Without a transcript a local AI fallback reply is added.
func (e *Engine) submitVoice(res voice.Result) string {
	if !res.HasAudio() {
		return ""
	}
	e.beginAction()

	m := e.localEntry(conversation.KindVoiceAudio)
	if res.Err != nil {
		m.Status = conversation.StatusErrorAck
	}
	text := strings.TrimSpace(res.Text())
	m.Transcript = text
	m.Voice = &conversation.VoiceClip{
		ArtifactID: m.ID,
		DataURL:    res.DataURL,
		MimeType:   res.MimeType,
		HasVoice:   res.HasVoice,
	}
	e.storeArtifact(conversation.VoiceArtifact{
		ID:         m.ID,
		Timestamp:  m.SentAt,
		DataURL:    res.DataURL,
		MimeType:   res.MimeType,
		Transcript: text,
		HasVoice:   res.HasVoice,
	})
	if err := e.conv.Append(m); err != nil {
		e.logger.Warn("failed to add voice entry", "error", err)
		return ""
	}

	if text != "" {
		e.dispatch(outbound{id: m.ID, text: conversation.Sanitize(text)})
		return m.ID
	}

	ts := e.clock.Now().UTC().Format(time.RFC3339Nano)
	fallback := conversation.Message{
		ID:           uuid.NewString(),
		Kind:         conversation.KindAIText,
		Status:       conversation.StatusAccepted,
		SentAt:       ts,
		RegisteredAt: ts,
		Sender:       conversation.AuthorAI,
		Protocol:     e.protocol,
		ChannelMeta:  e.cfg.RoutingCode,
		Payload:      conversation.Payload{Text: VoiceFallbackReply},
	}
	if err := e.conv.Append(fallback); err != nil {
		e.logger.Warn("failed to add voice fallback", "error", err)
	}
	return m.ID
}

func (e *Engine) storeArtifact(a conversation.VoiceArtifact) {
	var artifacts []conversation.VoiceArtifact
	if _, err := storage.GetJSON(e.runCtx, e.store, storage.KeyVoiceArtifacts, &artifacts); err != nil {
		e.logger.Warn("failed to read voice artifacts", "error", err)
	}
	artifacts = append(artifacts, a)
	if err := storage.SetJSON(e.runCtx, e.store, storage.KeyVoiceArtifacts, artifacts); err != nil {
		e.logger.Warn("failed to persist voice artifact", "artifact_id", a.ID, "error", err)
	}
}
