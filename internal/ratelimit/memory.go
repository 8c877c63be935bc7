package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindows keeps both windows in process memory.
type MemoryWindows struct {
	mu    sync.Mutex
	stamp map[Window][]time.Time
	flags map[Window]bool
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{
		stamp: map[Window][]time.Time{},
		flags: map[Window]bool{},
	}
}

func (m *MemoryWindows) Purge(_ context.Context, w Window, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.stamp[w]
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	m.stamp[w] = entries[i:]
	return nil
}

func (m *MemoryWindows) Count(_ context.Context, w Window) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stamp[w]), nil
}

func (m *MemoryWindows) Record(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp[WindowSoft] = append(m.stamp[WindowSoft], at)
	m.stamp[WindowHard] = append(m.stamp[WindowHard], at)
	return nil
}

func (m *MemoryWindows) Flagged(_ context.Context, w Window) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[w], nil
}

func (m *MemoryWindows) SetFlag(_ context.Context, w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[w] = true
	return nil
}

func (m *MemoryWindows) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp = map[Window][]time.Time{}
	m.flags = map[Window]bool{}
	return nil
}
