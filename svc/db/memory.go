package db

import (
	"context"
	"sync"
	"time"

	"snaplink/pkg/domain"
	"snaplink/svc/util"

	"github.com/pkg/errors"
)

var ErrDuplicateID = errors.New("record id already in use")

type memEntry struct {
	mu      sync.Mutex
	rec     domain.Record
	viewers map[string]struct{}
	deleted bool
}

// Memory is the process-local fallback store. It keeps the same semantics as
// the durable backend but loses everything on restart. Lock order is entry
// then store.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]*memEntry
	tombstones map[string]domain.Tombstone
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[string]*memEntry),
		tombstones: make(map[string]domain.Tombstone),
	}
}

func (m *Memory) Kind() string  { return KindMemory }
func (m *Memory) Durable() bool { return false }

func (m *Memory) Create(ctx context.Context, rec *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrBackendUnavailable
	}
	if _, ok := m.records[rec.ID]; ok {
		return ErrDuplicateID
	}
	cp := *rec
	cp.ViewCount = 0
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	cp.WrappedKey = append([]byte(nil), rec.WrappedKey...)
	m.records[rec.ID] = &memEntry{rec: cp, viewers: make(map[string]struct{})}
	return nil
}

func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *Memory) Reserved(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, live := m.records[id]
	_, dead := m.tombstones[id]
	return live || dead, nil
}

// lock returns the entry for id with its lock held, or the tombstone outcome.
func (m *Memory) lock(id string) (*memEntry, domain.Outcome) {
	for {
		m.mu.RLock()
		e, ok := m.records[id]
		m.mu.RUnlock()
		if !ok {
			return nil, m.tombstoneOutcome(id)
		}
		e.mu.Lock()
		if !e.deleted {
			return e, domain.OutcomeOK
		}
		e.mu.Unlock()
	}
}

func (m *Memory) tombstoneOutcome(id string) domain.Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tombstones[id]; ok {
		return t.Reason
	}
	return domain.OutcomeNotFound
}

// burn must be called with e.mu held.
func (m *Memory) burn(e *memEntry, reason domain.Outcome, now time.Time) {
	m.mu.Lock()
	delete(m.records, e.rec.ID)
	m.tombstones[e.rec.ID] = domain.Tombstone{ID: e.rec.ID, Reason: reason, BurnedAt: now}
	m.mu.Unlock()
	e.deleted = true
	e.viewers = nil
	util.Wipe(e.rec.Ciphertext, e.rec.WrappedKey)
	e.rec.Ciphertext, e.rec.WrappedKey = nil, nil
}

func (m *Memory) Meta(ctx context.Context, id string, now time.Time) (domain.MetaResult, error) {
	e, o := m.lock(id)
	if e == nil {
		return domain.MetaResult{Outcome: o}, nil
	}
	defer e.mu.Unlock()
	if o := e.rec.Terminal(now); o != domain.OutcomeOK {
		m.burn(e, o, now)
		return domain.MetaResult{Outcome: o}, nil
	}
	return domain.MetaResult{
		Outcome: domain.OutcomeOK,
		Meta: domain.Meta{
			RemainingViews: e.rec.RemainingViews(),
			MaxViews:       e.rec.MaxViews,
			ExpiresAt:      e.rec.ExpiresAt,
		},
	}, nil
}

func (m *Memory) Consume(ctx context.Context, id, viewer string, now time.Time) (domain.Consumed, error) {
	if err := ctx.Err(); err != nil {
		return domain.Consumed{}, errors.WithMessage(domain.ErrBackendUnavailable, err.Error())
	}
	e, o := m.lock(id)
	if e == nil {
		return domain.Consumed{Outcome: o}, nil
	}
	defer e.mu.Unlock()
	if o := e.rec.Terminal(now); o != domain.OutcomeOK {
		m.burn(e, o, now)
		return domain.Consumed{Outcome: o}, nil
	}
	if _, seen := e.viewers[viewer]; seen {
		return m.snapshot(e, true), nil
	}
	e.viewers[viewer] = struct{}{}
	e.rec.ViewCount++
	out := m.snapshot(e, false)
	if e.rec.Exhausted() {
		m.burn(e, domain.OutcomeExhausted, now)
	}
	return out, nil
}

// snapshot copies the sealed payload so burn can wipe the stored bytes.
func (m *Memory) snapshot(e *memEntry, repeat bool) domain.Consumed {
	return domain.Consumed{
		Outcome:        domain.OutcomeOK,
		Ciphertext:     append([]byte(nil), e.rec.Ciphertext...),
		WrappedKey:     append([]byte(nil), e.rec.WrappedKey...),
		RemainingViews: e.rec.RemainingViews(),
		ExpiresAt:      e.rec.ExpiresAt,
		Repeat:         repeat,
	}
}

func (m *Memory) Count(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.records))
	for _, e := range m.records {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && e.rec.Terminal(now) == domain.OutcomeOK {
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (m *Memory) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id, e := range m.records {
		if e.rec.ExpiresAt != nil && !e.rec.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		e, _ := m.lock(id)
		if e == nil {
			continue
		}
		if o := e.rec.Terminal(now); o != domain.OutcomeOK {
			m.burn(e, o, now)
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}

func (m *Memory) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tombstones {
		if t.BurnedAt.Before(before) {
			delete(m.tombstones, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.ErrBackendUnavailable
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
