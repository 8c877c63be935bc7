package conversation

import (
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
)

// DefaultRatingWindow is how long an AI reply accepts ratings.
const DefaultRatingWindow = 60 * time.Second

// closeSlack is added to the remaining time so the timer fires just after the
// window has fully elapsed.
const closeSlack = 10 * time.Millisecond

// ratingWindows tracks, per AI message, whether rating controls are still open.
// A callback only closes the window when its generation is still current, so
// a timer that was already queued when it got stopped cannot close a re-armed
// window.
type ratingWindows struct {
	clock   clock.Clock
	window  time.Duration
	open    map[string]bool
	timers  map[string]clock.Timer
	gen     map[string]uint64
	onClose func(id string)
}

func newRatingWindows(c clock.Clock, window time.Duration, onClose func(string)) *ratingWindows {
	if window <= 0 {
		window = DefaultRatingWindow
	}
	return &ratingWindows{
		clock:   c,
		window:  window,
		open:    map[string]bool{},
		timers:  map[string]clock.Timer{},
		gen:     map[string]uint64{},
		onClose: onClose,
	}
}

// schedule (re)arms the window for an AI message measured from its
// registration time. Unparseable timestamps close the window immediately.
func (r *ratingWindows) schedule(m Message) {
	if m.ID == "" {
		return
	}
	r.cancel(m.ID)

	sent, ok := ParseTimestamp(m.RegisteredAt)
	if !ok {
		r.open[m.ID] = false
		return
	}
	remaining := r.window - r.clock.Now().Sub(sent)
	if remaining <= 0 {
		r.open[m.ID] = false
		return
	}
	r.open[m.ID] = true
	id := m.ID
	g := r.gen[id]
	r.timers[id] = r.clock.AfterFunc(remaining+closeSlack, func() {
		if r.gen[id] != g {
			return
		}
		delete(r.timers, id)
		r.open[id] = false
		if r.onClose != nil {
			r.onClose(id)
		}
	})
}

func (r *ratingWindows) cancel(id string) {
	r.gen[id]++
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *ratingWindows) isOpen(id string) bool {
	return r.open[id]
}

func (r *ratingWindows) stopAll() {
	for id, t := range r.timers {
		r.gen[id]++
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *ratingWindows) armed() int {
	return len(r.timers)
}
