package cache

import (
	"strings"
	"sync"
)

type memBucket struct {
	name    string
	storage *MemStorage
	entries map[string]Entry
}

// MemStorage keeps all buckets in process memory.
// It is the default storage and the one used in tests.
type MemStorage struct {
	mutex   *sync.RWMutex
	order   []string
	buckets map[string]*memBucket
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
	}
}

func (m *MemStorage) Open(name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	b := &memBucket{name: name, storage: m, entries: make(map[string]Entry)}
	m.buckets[name] = b
	m.order = append(m.order, name)
	return b, nil
}

func (m *MemStorage) Bucket(name string) (Bucket, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	return nil, ErrBucketNotFound
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

// live reports whether the bucket is still the one registered under its name.
// Must be called with the storage mutex held.
func (b *memBucket) live() bool {
	return b.storage.buckets[b.name] == b
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) All(prefix string) ([]Entry, error) {
	b.storage.mutex.RLock()
	defer b.storage.mutex.RUnlock()
	entries := make([]Entry, 0)
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (b *memBucket) Get(key string) (Entry, bool, error) {
	b.storage.mutex.RLock()
	defer b.storage.mutex.RUnlock()
	entry, ok := b.entries[key]
	return entry, ok, nil
}

func (b *memBucket) Put(entry Entry) error {
	b.storage.mutex.Lock()
	defer b.storage.mutex.Unlock()
	if !b.live() {
		return ErrBucketNotFound
	}
	b.entries[entry.Key] = entry
	return nil
}

func (b *memBucket) Keys(cb func(string)) error {
	b.storage.mutex.RLock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	b.storage.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (b *memBucket) Purge(key string) error {
	b.storage.mutex.Lock()
	defer b.storage.mutex.Unlock()
	delete(b.entries, key)
	return nil
}
