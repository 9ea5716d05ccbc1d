package lim

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxTrackedKeys = 10000

type memWindow struct {
	count     int
	windowEnd time.Time
}

// MemoryCounter keeps counters for the most recently seen keys. Evicting a
// key only ever forgets budget already spent, which resets that caller.
type MemoryCounter struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *memWindow]
}

func NewMemoryCounter(size int) *MemoryCounter {
	if size <= 0 {
		size = maxTrackedKeys
	}
	cache, err := lru.New[string, *memWindow](size)
	if err != nil {
		panic(err)
	}
	return &MemoryCounter{cache: cache}
}

func (m *MemoryCounter) Name() string { return "memory" }

func (m *MemoryCounter) Step(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.cache.Get(key)
	if !ok || now.After(w.windowEnd) {
		w = &memWindow{count: 1, windowEnd: now.Add(window)}
		m.cache.Add(key, w)
		return Decision{Allowed: limit >= 1, Count: 1, WindowEnd: w.windowEnd}, nil
	}
	if w.count+1 > limit {
		return Decision{Allowed: false, Count: w.count, WindowEnd: w.windowEnd}, nil
	}
	w.count++
	return Decision{Allowed: true, Count: w.count, WindowEnd: w.windowEnd}, nil
}

func (m *MemoryCounter) Len() int {
	return m.cache.Len()
}
