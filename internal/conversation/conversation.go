package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

var (
	// ErrDuplicateID indicates a locally created entry reused an existing id.
	ErrDuplicateID = errors.New("conversation: duplicate message id")
	// ErrNotResubmittable indicates the entry is not a failed user message.
	ErrNotResubmittable = errors.New("conversation: message cannot be resubmitted")
)

// Action describes what Ingest did with a candidate.
type Action string

const (
	ActionMerged       Action = "merged"
	ActionPromoted     Action = "promoted"
	ActionVoiceMatched Action = "voice_matched"
	ActionAppended     Action = "appended"
	ActionIgnored      Action = "ignored"
)

// Outcome is the result of a single Ingest call.
type Outcome struct {
	Action Action
	Index  int
	ID     string
}

// Options configures a Conversation.
type Options struct {
	// Clock drives rating windows. The session engine passes a clock whose
	// callbacks are posted onto its event loop.
	Clock        clock.Clock
	RatingWindow time.Duration
	// OnRatingClosed is called when an AI message's rating window elapses.
	OnRatingClosed func(id string)
	Logger         *logging.Logger
}

// Conversation is the ordered list of entries for one session. It is not safe
// for concurrent use; the session engine owns it from a single goroutine.
type Conversation struct {
	entries []Message
	handoff bool
	ratings *ratingWindows
	logger  *logging.Logger
}

// New creates an empty conversation.
func New(opts Options) *Conversation {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Conversation{
		ratings: newRatingWindows(opts.Clock, opts.RatingWindow, opts.OnRatingClosed),
		logger:  opts.Logger,
	}
}

// Ingest folds a candidate into the conversation. It is the single entry
// point for inbound messages, ack follow-ups and history.
//
// Matching order: exact id and kind, then the newest Pending user text with
// the same text, then the newest voice entry whose transcript equals the
// text. Anything else is appended.
func (c *Conversation) Ingest(m Message) Outcome {
	if i := c.indexOf(m.ID, m.Kind); i >= 0 {
		c.entries[i].merge(m)
		c.afterStore(c.entries[i])
		return Outcome{Action: ActionMerged, Index: i, ID: m.ID}
	}

	if m.Kind == KindUserText {
		text := strings.TrimSpace(matchText(m))
		if text != "" {
			if i := c.lastIndex(func(e Message) bool {
				return e.Kind == KindUserText && e.Status == StatusPending &&
					strings.TrimSpace(matchText(e)) == text
			}); i >= 0 {
				e := &c.entries[i]
				e.ID = m.ID
				e.Status = StatusAccepted
				if m.SentAt != "" {
					e.SentAt = m.SentAt
				}
				c.logger.Debug("conversation: promoted pending echo", "message_id", m.ID, "index", i)
				return Outcome{Action: ActionPromoted, Index: i, ID: m.ID}
			}

			if i := c.lastIndex(func(e Message) bool {
				return e.Kind == KindVoiceAudio && strings.TrimSpace(e.Transcript) == text
			}); i >= 0 {
				c.entries[i].Status = StatusAccepted
				c.logger.Debug("conversation: matched voice transcript", "message_id", c.entries[i].ID, "index", i)
				return Outcome{Action: ActionVoiceMatched, Index: i, ID: c.entries[i].ID}
			}
		}
	}

	i := c.appendEntry(m)
	c.afterStore(m)
	return Outcome{Action: ActionAppended, Index: i, ID: m.ID}
}

// Receive applies a wire message: handoff triggers, the empty-echo rule and
// button-menu expansion, then Ingest for every candidate.
func (c *Conversation) Receive(w WireMessage) []Outcome {
	if w.RequestsHandoff() {
		c.handoff = true
	}
	candidates := w.Candidates()
	if len(candidates) == 1 && w.Ignorable() {
		return []Outcome{{Action: ActionIgnored, Index: -1, ID: string(w.ID)}}
	}
	out := make([]Outcome, 0, len(candidates))
	for _, m := range candidates {
		out = append(out, c.Ingest(m))
	}
	return out
}

// Append adds a locally created entry (typed text, selection, upload, voice).
func (c *Conversation) Append(m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	for _, e := range c.entries {
		if e.ID == m.ID {
			return ErrDuplicateID
		}
	}
	c.appendEntry(m)
	c.afterStore(m)
	return nil
}

// Load replaces the conversation with history and arms rating windows for
// every AI entry.
func (c *Conversation) Load(history []Message) {
	c.ratings.stopAll()
	c.entries = make([]Message, 0, len(history))
	c.handoff = false
	for _, m := range history {
		c.entries = append(c.entries, m)
		if m.Kind == KindAIText {
			c.ratings.schedule(m)
		}
	}
}

// SetStatus updates the status of the entry with the given id.
func (c *Conversation) SetStatus(id string, status Status) error {
	return c.Update(id, func(m *Message) { m.Status = status })
}

// Update mutates the first entry with the given id.
func (c *Conversation) Update(id string, fn func(*Message)) error {
	for i := range c.entries {
		if c.entries[i].ID == id {
			fn(&c.entries[i])
			return nil
		}
	}
	return ErrNotFound
}

// Resubmit moves a failed user entry back to Pending and returns it. The id
// is kept.
func (c *Conversation) Resubmit(id string) (Message, error) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.ID != id {
			continue
		}
		if !e.Kind.UserAuthored() || (e.Status != StatusFailed && e.Status != StatusErrorAck) {
			return Message{}, ErrNotResubmittable
		}
		e.Status = StatusPending
		return e.Clone(), nil
	}
	return Message{}, ErrNotFound
}

// Get returns a copy of the entry with the given id.
func (c *Conversation) Get(id string) (Message, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return Message{}, false
}

// Entries returns a copy of all entries in order.
func (c *Conversation) Entries() []Message {
	out := make([]Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Clone()
	}
	return out
}

func (c *Conversation) Len() int { return len(c.entries) }

// LastVoice returns the newest voice entry.
func (c *Conversation) LastVoice() (Message, bool) {
	i := c.lastIndex(func(e Message) bool { return e.Kind == KindVoiceAudio })
	if i < 0 {
		return Message{}, false
	}
	return c.entries[i].Clone(), true
}

// Handoff reports whether a human agent has taken over.
func (c *Conversation) Handoff() bool { return c.handoff }

func (c *Conversation) SetHandoff(active bool) { c.handoff = active }

// AwaitingResponse reports whether the newest visible entry is the user's
// and no human agent is active.
func (c *Conversation) AwaitingResponse() bool {
	if c.handoff {
		return false
	}
	i := c.lastVisible()
	return i >= 0 && c.entries[i].Kind.UserAuthored()
}

// Selectable reports whether the menu entry can still be answered: it must be
// the newest visible entry and not inert.
func (c *Conversation) Selectable(id string) bool {
	i := c.lastVisible()
	if i < 0 {
		return false
	}
	e := c.entries[i]
	return e.ID == id && e.Kind == KindButtonMenu && !e.Inert && e.Payload.Menu != nil
}

// Option resolves a selection against a selectable menu.
func (c *Conversation) Option(menuID, optionID string) (MenuOption, error) {
	m, ok := c.Get(menuID)
	if !ok {
		return MenuOption{}, ErrNotFound
	}
	if !c.Selectable(menuID) {
		return MenuOption{}, ErrMenuInert
	}
	opt, ok := m.Payload.Menu.Option(optionID)
	if !ok {
		return MenuOption{}, ErrUnknownOption
	}
	return opt, nil
}

// RatingOpen reports whether the AI entry still accepts ratings.
func (c *Conversation) RatingOpen(id string) bool {
	return c.ratings.isOpen(id)
}

// ArmedRatingTimers reports how many rating windows are still pending.
func (c *Conversation) ArmedRatingTimers() int { return c.ratings.armed() }

// Close cancels every pending rating timer.
func (c *Conversation) Close() {
	c.ratings.stopAll()
}

func (c *Conversation) appendEntry(m Message) int {
	for i := range c.entries {
		if c.entries[i].Kind == KindButtonMenu {
			c.entries[i].Inert = true
		}
	}
	c.entries = append(c.entries, m)
	return len(c.entries) - 1
}

func (c *Conversation) afterStore(m Message) {
	switch m.Kind {
	case KindAIText:
		c.ratings.schedule(m)
	case KindAgentText:
		c.handoff = true
	}
}

func (c *Conversation) indexOf(id string, kind Kind) int {
	if id == "" {
		return -1
	}
	for i, e := range c.entries {
		if e.ID == id && e.Kind == kind {
			return i
		}
	}
	return -1
}

func (c *Conversation) lastIndex(match func(Message) bool) int {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if match(c.entries[i]) {
			return i
		}
	}
	return -1
}

func (c *Conversation) lastVisible() int {
	return c.lastIndex(func(e Message) bool { return e.Kind != KindSystem })
}

// matchText is the text compared when reconciling user echoes. Attachments
// are compared by file key.
func matchText(m Message) string {
	if m.Payload.Attachment != nil {
		return m.Payload.Attachment.Key
	}
	return m.Payload.Text
}
