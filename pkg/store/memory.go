package store

import (
	"sync"
	"time"
)

type memKey struct {
	method    Method
	permanent string
}

// MemoryStore 是进程内的 Store，多个会话可并发使用
type MemoryStore struct {
	mu     sync.Mutex
	states map[memKey]*IdentityState
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[memKey]*IdentityState),
		now:    time.Now,
	}
}

func (m *MemoryStore) Load(method Method, permanent string) (*IdentityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[memKey{method, permanent}]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(state *IdentityState) error {
	if err := state.validate(); err != nil {
		return err
	}
	c := state.Clone()
	c.UpdatedAt = m.now()

	m.mu.Lock()
	m.states[memKey{c.Method, c.Permanent}] = c
	m.mu.Unlock()
	return nil
}
