package anxcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Prefix   string
}

// putIfLive writes an entry only while the bucket registry still points at
// the handle's generation.
var putIfLive = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
end
return -1
`)

// ValkeyStorage keeps buckets in a shared valkey/redis server so several
// proxy replicas serve from the same cache. Each bucket is one hash.
type ValkeyStorage struct {
	client valkey.Client
	prefix string
}

func NewValkeyStorage(cfg ValkeyConfig) (*ValkeyStorage, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "anxcache"
	}
	return &ValkeyStorage{client: client, prefix: prefix}, nil
}

func (s *ValkeyStorage) registryKey() string { return s.prefix + ":buckets" }

func (s *ValkeyStorage) generationKey() string { return s.prefix + ":generation" }

func (s *ValkeyStorage) bucketKey(gen string) string { return s.prefix + ":bucket:" + gen }

func (s *ValkeyStorage) lookupGen(ctx context.Context, name string) (string, bool, error) {
	gen, err := s.client.Do(ctx, s.client.B().Hget().Key(s.registryKey()).Field(name).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("valkey hget: %w", err)
	}
	return gen, true, nil
}

func (s *ValkeyStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errEmptyBucketName
	}
	gen, ok, err := s.lookupGen(ctx, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return &valkeyBucket{s: s, name: name, gen: gen}, nil
	}

	next, err := s.client.Do(ctx, s.client.B().Incr().Key(s.generationKey()).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("valkey incr: %w", err)
	}
	gen = strconv.FormatInt(next, 10)
	set, err := s.client.Do(ctx, s.client.B().Hsetnx().Key(s.registryKey()).Field(name).Value(gen).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("valkey hsetnx: %w", err)
	}
	if set == 0 {
		// Another replica created the bucket first.
		gen, ok, err = s.lookupGen(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("valkey: bucket %q vanished while opening", name)
		}
	}
	return &valkeyBucket{s: s, name: name, gen: gen}, nil
}

func (s *ValkeyStorage) Has(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.lookupGen(ctx, name)
	return ok, err
}

func (s *ValkeyStorage) Delete(ctx context.Context, name string) (bool, error) {
	gen, ok, err := s.lookupGen(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := s.client.Do(ctx, s.client.B().Hdel().Key(s.registryKey()).Field(name).Build()).Error(); err != nil {
		return false, fmt.Errorf("valkey hdel: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.bucketKey(gen)).Build()).Error(); err != nil {
		return false, fmt.Errorf("valkey del: %w", err)
	}
	return true, nil
}

func (s *ValkeyStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Hkeys().Key(s.registryKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey hkeys: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ValkeyStorage) Close() error {
	s.client.Close()
	return nil
}

type valkeyBucket struct {
	s    *ValkeyStorage
	name string
	gen  string
}

func (b *valkeyBucket) Name() string { return b.name }

func (b *valkeyBucket) Match(ctx context.Context, key string) (*Response, bool, error) {
	c := b.s.client
	payload, err := c.Do(ctx, c.B().Hget().Key(b.s.bucketKey(b.gen)).Field(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("valkey hget: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false, fmt.Errorf("valkey unmarshal: %w", err)
	}
	return &resp, true, nil
}

func (b *valkeyBucket) Put(ctx context.Context, key string, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("valkey marshal: %w", err)
	}
	keys := []string{b.s.registryKey(), b.s.bucketKey(b.gen)}
	args := []string{b.name, b.gen, key, string(payload)}
	if err := putIfLive.Exec(ctx, b.s.client, keys, args).Error(); err != nil {
		return fmt.Errorf("valkey put: %w", err)
	}
	return nil
}

func (b *valkeyBucket) Delete(ctx context.Context, key string) (bool, error) {
	c := b.s.client
	n, err := c.Do(ctx, c.B().Hdel().Key(b.s.bucketKey(b.gen)).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey hdel: %w", err)
	}
	return n > 0, nil
}

func (b *valkeyBucket) Keys(ctx context.Context) ([]string, error) {
	c := b.s.client
	keys, err := c.Do(ctx, c.B().Hkeys().Key(b.s.bucketKey(b.gen)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
