package anxcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g                 last bucket generation (uint64, big endian)
//	b:<name>          generation of a live bucket
//	e:<gen>:<key>     gob encoded Response
//	m:<gen>:<key>     gob encoded diskMeta
//
// Entries are addressed by generation so a bucket that is deleted and opened
// again never sees writes made through an old handle.
const (
	keyGeneration = "g"
	prefixBucket  = "b:"
	prefixEntry   = "e:"
	prefixMeta    = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type entryID struct {
	gen uint64
	key string
}

// LevelDBStorage persists buckets in a leveldb database. When maxBytes is
// positive the least recently used entries are evicted whenever the total
// grows past it.
type LevelDBStorage struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	buckets   map[string]uint64
	lastGen   uint64
	index     map[entryID]diskMeta
	totalSize int64
}

func NewLevelDBStorage(path string, maxBytes int64) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStorage{
		maxBytes: maxBytes,
		db:       db,
		buckets:  map[string]uint64{},
		index:    map[entryID]diskMeta{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStorage) loadIndex() error {
	if b, err := s.db.Get([]byte(keyGeneration), nil); err == nil && len(b) == 8 {
		s.lastGen = binary.BigEndian.Uint64(b)
	} else if err != nil && err != leveldb.ErrNotFound {
		return err
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixBucket)), nil)
	for it.Next() {
		if len(it.Value()) != 8 {
			continue
		}
		name := strings.TrimPrefix(string(it.Key()), prefixBucket)
		s.buckets[name] = binary.BigEndian.Uint64(it.Value())
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		id, ok := parseEntryKey(strings.TrimPrefix(string(it.Key()), prefixMeta))
		if !ok {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.index[id] = meta
		s.totalSize += meta.Size
	}
	return it.Error()
}

func entryKey(gen uint64, key string) string {
	return fmt.Sprintf("%016x:%s", gen, key)
}

func parseEntryKey(s string) (entryID, bool) {
	if len(s) < 17 || s[16] != ':' {
		return entryID{}, false
	}
	gen, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return entryID{}, false
	}
	return entryID{gen: gen, key: s[17:]}, true
}

func encodeGen(gen uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, gen)
	return b
}

func (s *LevelDBStorage) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errEmptyBucketName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen, ok := s.buckets[name]; ok {
		return &leveldbBucket{s: s, name: name, gen: gen}, nil
	}
	gen := s.lastGen + 1
	batch := new(leveldb.Batch)
	batch.Put([]byte(keyGeneration), encodeGen(gen))
	batch.Put([]byte(prefixBucket+name), encodeGen(gen))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	s.lastGen = gen
	s.buckets[name] = gen
	return &leveldbBucket{s: s, name: name, gen: gen}, nil
}

func (s *LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixBucket + name))
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+fmt.Sprintf("%016x:", gen))), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	delete(s.buckets, name)
	for id, meta := range s.index {
		if id.gen == gen {
			s.totalSize -= meta.Size
			delete(s.index, id)
		}
	}
	return true, nil
}

func (s *LevelDBStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// TotalSize is the byte size of every stored entry across buckets.
func (s *LevelDBStorage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

// touch records an access so eviction order survives a restart. A failed
// write only costs recency.
func (s *LevelDBStorage) touch(id entryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[id]
	if !ok {
		return
	}
	meta.LastAccess = time.Now().UnixNano()
	s.index[id] = meta
	if mb, err := encodeGob(meta); err == nil {
		_ = s.db.Put([]byte(prefixMeta+entryKey(id.gen, id.key)), mb, nil)
	}
}

func (s *LevelDBStorage) liveLocked(name string, gen uint64) bool {
	cur, ok := s.buckets[name]
	return ok && cur == gen
}

// evictLocked drops the least recently accessed entries until the total is
// back under maxBytes. keep is never evicted.
func (s *LevelDBStorage) evictLocked(keep entryID) error {
	type item struct {
		id   entryID
		meta diskMeta
	}
	items := make([]item, 0, len(s.index))
	for id, m := range s.index {
		if id != keep {
			items = append(items, item{id, m})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].meta.LastAccess < items[j].meta.LastAccess
	})

	total := s.totalSize
	n := 0
	batch := new(leveldb.Batch)
	for n < len(items) && total > s.maxBytes {
		ek := entryKey(items[n].id.gen, items[n].id.key)
		batch.Delete([]byte(prefixEntry + ek))
		batch.Delete([]byte(prefixMeta + ek))
		total -= items[n].meta.Size
		n++
	}
	if n == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	for _, it := range items[:n] {
		s.totalSize -= it.meta.Size
		delete(s.index, it.id)
	}
	return nil
}

type leveldbBucket struct {
	s    *LevelDBStorage
	name string
	gen  uint64
}

func (b *leveldbBucket) Name() string { return b.name }

func (b *leveldbBucket) Match(_ context.Context, key string) (*Response, bool, error) {
	raw, err := b.s.db.Get([]byte(prefixEntry+entryKey(b.gen, key)), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(raw, &resp); err != nil {
		return nil, false, err
	}

	b.s.touch(entryID{gen: b.gen, key: key})
	return &resp, true, nil
}

func (b *leveldbBucket) Put(_ context.Context, key string, resp *Response) error {
	raw, err := encodeGob(resp)
	if err != nil {
		return err
	}
	size := int64(len(raw))
	if b.s.maxBytes > 0 && size > b.s.maxBytes {
		return ErrQuotaExceeded
	}
	id := entryID{gen: b.gen, key: key}
	meta := diskMeta{Size: size, LastAccess: time.Now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if !b.s.liveLocked(b.name, b.gen) {
		// The bucket was deleted under this handle; the write never lands.
		return nil
	}
	ek := entryKey(b.gen, key)
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixEntry+ek), raw)
	batch.Put([]byte(prefixMeta+ek), mb)
	if err := b.s.db.Write(batch, nil); err != nil {
		return err
	}
	if old, ok := b.s.index[id]; ok {
		b.s.totalSize -= old.Size
	}
	b.s.index[id] = meta
	b.s.totalSize += size

	if b.s.maxBytes > 0 && b.s.totalSize > b.s.maxBytes {
		return b.s.evictLocked(id)
	}
	return nil
}

func (b *leveldbBucket) Delete(_ context.Context, key string) (bool, error) {
	id := entryID{gen: b.gen, key: key}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	meta, ok := b.s.index[id]
	if !ok {
		return false, nil
	}
	ek := entryKey(b.gen, key)
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + ek))
	batch.Delete([]byte(prefixMeta + ek))
	if err := b.s.db.Write(batch, nil); err != nil {
		return false, err
	}
	b.s.totalSize -= meta.Size
	delete(b.s.index, id)
	return true, nil
}

func (b *leveldbBucket) Keys(_ context.Context) ([]string, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	out := []string{}
	for id := range b.s.index {
		if id.gen == b.gen {
			out = append(out, id.key)
		}
	}
	sort.Strings(out)
	return out, nil
}
