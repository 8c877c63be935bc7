// Package feedback submits per-message like/dislike ratings and the
// end-of-session survey.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/backend"
	"github.com/wolfman30/chat-session-engine/internal/clock"
	"github.com/wolfman30/chat-session-engine/internal/ratelimit"
	"github.com/wolfman30/chat-session-engine/pkg/logging"
)

// DefaultResetDelay is how long after a star rating the session is reset.
const DefaultResetDelay = 5 * time.Second

var (
	ErrRateLimited  = errors.New("feedback: rating limit reached")
	ErrInFlight     = errors.New("feedback: rating already being submitted")
	ErrInvalidValue = errors.New("feedback: invalid rating value")
)

// LimitError carries the limiter decision that blocked a rating.
type LimitError struct {
	Decision ratelimit.Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("feedback: rating blocked (%s)", e.Decision)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Value is a per-message rating.
type Value string

const (
	Like    Value = "like"
	Dislike Value = "dislike"
)

func (v Value) tip() (backend.RatingTip, bool) {
	switch v {
	case Like:
		return backend.TipLike, true
	case Dislike:
		return backend.TipDislike, true
	}
	return "", false
}

// Record is the active rating of one message.
type Record struct {
	MessageID string
	Value     Value
	At        time.Time
}

// Client posts ratings to the backend.
type Client interface {
	PostMessageRating(ctx context.Context, protocol, messageID string, tip backend.RatingTip) error
	PostSessionRating(ctx context.Context, r backend.SessionRating) (*backend.RatingResult, error)
}

// Limiter admits rating posts.
type Limiter interface {
	Admit(ctx context.Context) ratelimit.Decision
	Reset(ctx context.Context) error
}

type Option func(*Submitter)

func WithClock(c clock.Clock) Option { return func(s *Submitter) { s.clock = c } }

// WithResetDelay changes the pause between a star rating and the session reset.
func WithResetDelay(d time.Duration) Option { return func(s *Submitter) { s.resetDelay = d } }

// WithResetHook registers the callback run once the reset delay elapses.
func WithResetHook(f func()) Option { return func(s *Submitter) { s.onReset = f } }

// Submitter owns the local rating state.
type Submitter struct {
	client     Client
	limiter    Limiter
	clock      clock.Clock
	logger     *logging.Logger
	resetDelay time.Duration
	onReset    func()

	mu         sync.Mutex
	records    map[string]Record
	disabled   bool
	starsBusy  bool
	resetTimer clock.Timer
}

func NewSubmitter(client Client, limiter Limiter, logger *logging.Logger, opts ...Option) *Submitter {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Submitter{
		client:     client,
		limiter:    limiter,
		clock:      clock.Real{},
		logger:     logger,
		resetDelay: DefaultResetDelay,
		records:    map[string]Record{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome describes what a RateMessage call sent.
type Outcome struct {
	Tip backend.RatingTip
	// Record is the rating now in effect, nil when it was removed.
	Record *Record
}

// RateMessage sets v on messageID, or removes the rating when v repeats the
// current one. Every post is admitted by the limiter first; a refusal
// disables all rating controls until ResetLimits. A failed post restores the
// previous local record.
func (s *Submitter) RateMessage(ctx context.Context, protocol, messageID string, v Value) (Outcome, error) {
	tip, ok := v.tip()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidValue, v)
	}

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return Outcome{}, ErrRateLimited
	}
	s.mu.Unlock()

	if d := s.limiter.Admit(ctx); d != ratelimit.Allowed {
		s.mu.Lock()
		s.disabled = true
		s.mu.Unlock()
		s.logger.Warn("rating controls disabled", "decision", d.String(), "message_id", messageID)
		return Outcome{}, &LimitError{Decision: d}
	}

	s.mu.Lock()
	prev, had := s.records[messageID]
	out := Outcome{Tip: tip}
	if had && prev.Value == v {
		out.Tip = backend.TipRemove
		delete(s.records, messageID)
	} else {
		rec := Record{MessageID: messageID, Value: v, At: s.clock.Now()}
		s.records[messageID] = rec
		out.Record = &rec
	}
	s.mu.Unlock()

	if err := s.client.PostMessageRating(ctx, protocol, messageID, out.Tip); err != nil {
		s.mu.Lock()
		if had {
			s.records[messageID] = prev
		} else {
			delete(s.records, messageID)
		}
		s.mu.Unlock()
		s.logger.Warn("message rating failed", "message_id", messageID, "tip", string(out.Tip), "error", err)
		return Outcome{}, fmt.Errorf("feedback: post rating: %w", err)
	}
	return out, nil
}

// Rating returns the active rating of messageID.
func (s *Submitter) Rating(messageID string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	return r.Value, ok
}

// Disabled reports whether rating controls are globally disabled.
func (s *Submitter) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// ResetLimits clears the limiter windows and re-enables rating controls.
func (s *Submitter) ResetLimits(ctx context.Context) error {
	if err := s.limiter.Reset(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.disabled = false
	s.mu.Unlock()
	return nil
}

// SubmitDemand answers whether the demand was resolved.
func (s *Submitter) SubmitDemand(ctx context.Context, ombID, protocol string, resolved bool) error {
	demand := "N"
	if resolved {
		demand = "S"
	}
	_, err := s.client.PostSessionRating(ctx, backend.SessionRating{OmbID: ombID, Protocol: protocol, Demand: demand})
	if err != nil {
		return fmt.Errorf("feedback: demand rating: %w", err)
	}
	return nil
}

// SubmitStars sends the star score. Only one submission may be in flight;
// once the backend answers, the reset hook runs after the reset delay and the
// next submission is allowed. A transport failure releases the lock at once.
func (s *Submitter) SubmitStars(ctx context.Context, ombID, protocol string, stars int) (*backend.RatingResult, error) {
	s.mu.Lock()
	if s.starsBusy {
		s.mu.Unlock()
		return nil, ErrInFlight
	}
	s.starsBusy = true
	s.mu.Unlock()

	res, err := s.client.PostSessionRating(ctx, backend.SessionRating{
		OmbID:    ombID,
		Protocol: protocol,
		Stars:    strconv.Itoa(stars),
	})
	if res == nil {
		s.mu.Lock()
		s.starsBusy = false
		s.mu.Unlock()
		if err == nil {
			err = errors.New("empty response")
		}
		return nil, fmt.Errorf("feedback: star rating: %w", err)
	}

	s.mu.Lock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	s.resetTimer = s.clock.AfterFunc(s.resetDelay, s.finishStars)
	s.mu.Unlock()
	if err != nil {
		return res, fmt.Errorf("feedback: star rating: %w", err)
	}
	return res, nil
}

func (s *Submitter) finishStars() {
	s.mu.Lock()
	s.resetTimer = nil
	s.starsBusy = false
	hook := s.onReset
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// SubmittingStars reports whether a star submission is in flight.
func (s *Submitter) SubmittingStars() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starsBusy
}

// Clear drops all local ratings, used when a new session starts.
func (s *Submitter) Clear() {
	s.mu.Lock()
	s.records = map[string]Record{}
	s.mu.Unlock()
}

// Close cancels a pending reset.
func (s *Submitter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}
