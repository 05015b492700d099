package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[common.Address]Instance
	data      map[common.Address]map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[common.Address]Instance),
		data:      make(map[common.Address]map[string][]byte),
	}
}

func (m *MemoryStore) Deploy(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.Address]; ok {
		return ErrInstanceExists
	}
	m.instances[inst.Address] = inst
	m.data[inst.Address] = make(map[string][]byte)
	return nil
}

func (m *MemoryStore) Instance(_ context.Context, addr common.Address) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[addr]
	if !ok {
		return Instance{}, ErrUnknownInstance
	}
	return inst, nil
}

func (m *MemoryStore) Instances(_ context.Context) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, addr common.Address, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slots, ok := m.data[addr]
	if !ok {
		return nil, ErrUnknownInstance
	}
	val, ok := slots[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryStore) Apply(_ context.Context, addr common.Address, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots, ok := m.data[addr]
	if !ok {
		return ErrUnknownInstance
	}
	for k, v := range batch.Puts {
		slots[k] = append([]byte(nil), v...)
	}
	for _, k := range batch.Deletes {
		delete(slots, k)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
