package database

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore 未配置数据库时使用, 进程退出后数据丢失
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*NodeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*NodeRecord)}
}

func (ms *MemoryStore) Get(path string) (*NodeRecord, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (ms *MemoryStore) Save(record *NodeRecord) error {
	if record.Path == "" {
		return ErrPathEmpty
	}
	saved := record.Clone()
	saved.UpdatedAt = time.Now()
	ms.mu.Lock()
	ms.records[record.Path] = saved
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Delete(path string) error {
	if path == "" {
		return ErrPathEmpty
	}
	ms.mu.Lock()
	delete(ms.records, path)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) List() ([]*NodeRecord, error) {
	ms.mu.RLock()
	out := make([]*NodeRecord, 0, len(ms.records))
	for _, r := range ms.records {
		out = append(out, r.Clone())
	}
	ms.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
