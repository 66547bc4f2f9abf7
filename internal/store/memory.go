package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryKV is an in-process KV implementation used by tests and single-node
// development runs. TTLs are enforced lazily on access.
type MemoryKV struct {
	mu      sync.Mutex
	strings map[string]memEntry
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	expiry  map[string]time.Time
	subs    map[string][]chan string
	closed  bool
}

type memEntry struct {
	value string
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]chan string),
	}
}

// reap removes the key everywhere if its TTL has lapsed. Caller holds mu.
func (m *MemoryKV) reap(key string) {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		delete(m.strings, key)
		delete(m.sets, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
}

func (m *MemoryKV) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	e, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memEntry{value: value}
	m.setTTL(key, ttl)
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = memEntry{value: value}
	m.setTTL(key, ttl)
	return true, nil
}

func (m *MemoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.sets, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.strings[key]; ok {
		m.setTTL(key, ttl)
		return nil
	}
	if _, ok := m.sets[key]; ok {
		m.setTTL(key, ttl)
		return nil
	}
	if _, ok := m.lists[key]; ok {
		m.setTTL(key, ttl)
	}
	return nil
}

func (m *MemoryKV) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryKV) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *MemoryKV) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryKV) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	return int64(len(m.sets[key])), nil
}

func (m *MemoryKV) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryKV) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	// LPUSH semantics: each value prepends in turn.
	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryKV) LPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	list := m.lists[key]
	if len(list) == 0 {
		return "", ErrNotFound
	}
	val := list[0]
	m.lists[key] = list[1:]
	return val, nil
}

func (m *MemoryKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryKV) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	return int64(len(m.lists[key])), nil
}

func (m *MemoryKV) SetNXBatch(ctx context.Context, keys []string, value string, ttl time.Duration) ([]bool, error) {
	results := make([]bool, len(keys))
	for i, key := range keys {
		ok, err := m.SetNX(ctx, key, value, ttl)
		if err != nil {
			return nil, err
		}
		results[i] = ok
	}
	return results, nil
}

func (m *MemoryKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	var current int64
	if e, ok := m.strings[key]; ok {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current += delta
	m.strings[key] = memEntry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (m *MemoryKV) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	subs := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- message:
		default:
			// Slow subscriber, drop.
		}
	}
	return nil
}

func (m *MemoryKV) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, sub := range subs {
			if sub == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (m *MemoryKV) Ping(ctx context.Context) error { return nil }

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
