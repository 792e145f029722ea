package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/controlplane/internal/clock"
)

// MemoryStore is an in-process Store with the same contract as the Redis
// backend. TTLs are driven by an injectable clock and enforced lazily on
// access, so tests can advance time without sleeping.
type MemoryStore struct {
	mu     sync.Mutex
	clk    clock.Clock
	values map[string]string
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	zsets  map[string][]zentry
	ttls   map[string]time.Time
	subs   map[string][]chan string
}

type zentry struct {
	score  float64
	member string
}

// NewMemoryStore creates an empty store using clk for expiry decisions.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clk:    clk,
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string][]zentry),
		ttls:   make(map[string]time.Time),
		subs:   make(map[string][]chan string),
	}
}

// expireLocked drops key if its ttl has passed. Callers hold mu.
func (m *MemoryStore) expireLocked(key string) {
	deadline, ok := m.ttls[key]
	if !ok || m.clk.Now().Before(deadline) {
		return
	}
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.ttls, key)
}

func (m *MemoryStore) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.ttls[key] = m.clk.Now().Add(ttl)
	} else {
		delete(m.ttls, key)
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.zsets, key)
		delete(m.ttls, key)
	}
	return nil
}

func (m *MemoryStore) HashSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok || len(h) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ZSetAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.zaddLocked(key, score, member)
	return nil
}

func (m *MemoryStore) zaddLocked(key string, score float64, member string) {
	entries := m.zsets[key]
	for i := range entries {
		if entries[i].member == member {
			entries[i].score = score
			m.resortLocked(key, entries)
			return
		}
	}
	entries = append(entries, zentry{score: score, member: member})
	m.resortLocked(key, entries)
}

func (m *MemoryStore) resortLocked(key string, entries []zentry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	m.zsets[key] = entries
}

func (m *MemoryStore) ZSetCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	var n int64
	for _, e := range m.zsets[key] {
		if e.score >= min && e.score <= max {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ZSetRemoveByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.zremRangeLocked(key, min, max)
	return nil
}

func (m *MemoryStore) zremRangeLocked(key string, min, max float64) {
	entries := m.zsets[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.score >= min && e.score <= max {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(m.zsets, key)
		return
	}
	m.zsets[key] = kept
}

func (m *MemoryStore) ZSetCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) SlidingWindowIncr(_ context.Context, key string, windowStart, now float64, member string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.zremRangeLocked(key, math.Inf(-1), windowStart)
	count := int64(len(m.zsets[key]))
	m.zaddLocked(key, now, member)
	m.setTTLLocked(key, ttl)
	return count, nil
}

// Publish holds the lock across the sends so an unsubscribe cannot close a
// channel mid-delivery. The sends never block, so the lock is held briefly.
func (m *MemoryStore) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- message:
		default:
			// Best-effort delivery; drop for slow consumers.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 64)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range m.values {
		seen[key] = struct{}{}
	}
	for key := range m.hashes {
		seen[key] = struct{}{}
	}
	for key := range m.sets {
		seen[key] = struct{}{}
	}
	for key := range m.zsets {
		seen[key] = struct{}{}
	}
	var out []string
	for key := range seen {
		m.expireLocked(key)
	}
	for key := range seen {
		if !m.existsLocked(key) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) existsLocked(key string) bool {
	if _, ok := m.values[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	return false
}

func (m *MemoryStore) Close() error { return nil }
