package anxcache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps buckets in process memory. Each bucket is an LRU
// bounded by maxBytes; zero means unbounded.
type MemoryStorage struct {
	maxBytes int64

	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryStorage(maxBytes int64) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes, buckets: map[string]*memoryBucket{}}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errEmptyBucketName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = newMemoryBucket(name, s.maxBytes)
		s.buckets[name] = b
	}
	return b, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }

type memoryItem struct {
	key  string
	resp *Response
	size int64
	prev *memoryItem
	next *memoryItem
}

type memoryBucket struct {
	name     string
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memoryItem
	head  *memoryItem
	tail  *memoryItem
	total int64
}

func newMemoryBucket(name string, maxBytes int64) *memoryBucket {
	return &memoryBucket{name: name, maxBytes: maxBytes, items: map[string]*memoryItem{}}
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key string) (*Response, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	b.moveToFront(it)
	return it.resp.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, resp *Response) error {
	snap := resp.Clone()
	sz := snap.Size()
	if b.maxBytes > 0 && sz > b.maxBytes {
		return ErrQuotaExceeded
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if it, ok := b.items[key]; ok {
		b.total -= it.size
		it.resp = snap
		it.size = sz
		b.total += sz
		b.moveToFront(it)
	} else {
		it := &memoryItem{key: key, resp: snap, size: sz}
		b.items[key] = it
		b.addToFront(it)
		b.total += sz
	}
	for b.maxBytes > 0 && b.total > b.maxBytes && b.tail != nil && b.tail.key != key {
		b.evictLocked(b.tail)
	}
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[key]
	if !ok {
		return false, nil
	}
	b.evictLocked(it)
	return true, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.items))
	for k := range b.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (b *memoryBucket) evictLocked(it *memoryItem) {
	b.remove(it)
	delete(b.items, it.key)
	b.total -= it.size
}

func (b *memoryBucket) addToFront(it *memoryItem) {
	it.prev = nil
	it.next = b.head
	if b.head != nil {
		b.head.prev = it
	}
	b.head = it
	if b.tail == nil {
		b.tail = it
	}
}

func (b *memoryBucket) remove(it *memoryItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		b.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		b.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (b *memoryBucket) moveToFront(it *memoryItem) {
	if b.head == it {
		return
	}
	b.remove(it)
	b.addToFront(it)
}
