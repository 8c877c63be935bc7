package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Ack is a single-resolution completion handle for an emitted request. The
// first Resolve or Reject wins; later calls are ignored.
type Ack struct {
	once sync.Once
	done chan struct{}
	data json.RawMessage
	err  error
}

func NewAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// FailedAck returns an already rejected handle.
func FailedAck(err error) *Ack {
	a := NewAck()
	a.Reject(err)
	return a
}

// Resolve completes the handle with the peer's response. It reports whether
// this call resolved it.
func (a *Ack) Resolve(data json.RawMessage) bool {
	resolved := false
	a.once.Do(func() {
		a.data = data
		resolved = true
		close(a.done)
	})
	return resolved
}

// Reject completes the handle with an error.
func (a *Ack) Reject(err error) bool {
	resolved := false
	a.once.Do(func() {
		a.err = err
		resolved = true
		close(a.done)
	})
	return resolved
}

// Done is closed once the handle resolves.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Result returns the outcome. Call it only after Done is closed.
func (a *Ack) Result() (json.RawMessage, error) {
	return a.data, a.err
}

// Wait blocks until the handle resolves or ctx ends.
func (a *Ack) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-a.done:
		return a.data, a.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrAckTimeout
		}
		return nil, ctx.Err()
	}
}
