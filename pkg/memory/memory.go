// Package memory keeps a bounded, oldest-first history of text entries.
package memory

import (
	"sync"

	"github.com/eapache/queue"
)

type Memory struct {
	entries  *queue.Queue
	capacity int
	mu       sync.RWMutex
}

func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{
		entries:  queue.New(),
		capacity: capacity,
	}
}

// Store appends an entry, evicting the oldest once capacity is exceeded.
func (m *Memory) Store(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Add(entry)
	for m.entries.Length() > m.capacity {
		m.entries.Remove()
	}
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 returns
// everything.
func (m *Memory) Recent(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.entries.Length()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, m.entries.Get(i).(string))
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Length()
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = queue.New()
}
