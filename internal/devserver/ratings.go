package devserver

import (
	"context"
	"sync"
	"time"
)

// SessionRating is one end-of-session answer: Stars 1..5 or Demand S/N.
type SessionRating struct {
	OmbID     string
	Protocol  string
	Stars     int
	Demand    string
	CreatedAt time.Time
}

// MessageRating is the current like/dislike on one AI reply.
type MessageRating struct {
	Protocol  string
	MessageID string
	Tip       string
	UpdatedAt time.Time
}

// RatingRepository persists feedback received by the emulated backend.
type RatingRepository interface {
	SaveSessionRating(ctx context.Context, r SessionRating) error
	// SaveMessageRating upserts the rating; tip R removes it.
	SaveMessageRating(ctx context.Context, r MessageRating) error
	MessageRating(ctx context.Context, protocol, messageID string) (MessageRating, bool, error)
	SessionRatings(ctx context.Context, protocol string) ([]SessionRating, error)
}

// MemoryRatingRepository keeps ratings in process.
type MemoryRatingRepository struct {
	mu       sync.RWMutex
	sessions []SessionRating
	messages map[string]MessageRating
}

func NewMemoryRatingRepository() *MemoryRatingRepository {
	return &MemoryRatingRepository{messages: make(map[string]MessageRating)}
}

func messageKey(protocol, messageID string) string { return protocol + "|" + messageID }

func (m *MemoryRatingRepository) SaveSessionRating(_ context.Context, r SessionRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, r)
	return nil
}

func (m *MemoryRatingRepository) SaveMessageRating(_ context.Context, r MessageRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey(r.Protocol, r.MessageID)
	if r.Tip == "R" {
		delete(m.messages, key)
		return nil
	}
	m.messages[key] = r
	return nil
}

func (m *MemoryRatingRepository) MessageRating(_ context.Context, protocol, messageID string) (MessageRating, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.messages[messageKey(protocol, messageID)]
	return r, ok, nil
}

func (m *MemoryRatingRepository) SessionRatings(_ context.Context, protocol string) ([]SessionRating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionRating
	for _, r := range m.sessions {
		if r.Protocol == protocol {
			out = append(out, r)
		}
	}
	return out, nil
}
