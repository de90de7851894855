package anxcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Storage is the named, versioned key-value store of buckets. Each call is
// atomic on its own; callers never lock around it.
type Storage interface {
	// Open returns the named bucket, creating it when absent.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete drops the bucket and every entry in it. Handles opened before
	// the delete keep working but their writes never become visible through
	// a later Open of the same name.
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Bucket holds request-key to response snapshots.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// StorageOptions selects and tunes a backend.
type StorageOptions struct {
	Backend string

	MemoryMaxBytes int64

	LevelDBPath     string
	LevelDBMaxBytes int64

	Valkey ValkeyConfig
}

// StorageOptionsFromConfig extracts the backend settings of a normalized
// config.
func StorageOptionsFromConfig(cfg Config) StorageOptions {
	return StorageOptions{
		Backend:         cfg.Cache.Backend,
		MemoryMaxBytes:  cfg.memoryMaxBytes,
		LevelDBPath:     cfg.Cache.LevelDB.Path,
		LevelDBMaxBytes: cfg.leveldbMaxBytes,
		Valkey: ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
			Prefix:   cfg.Cache.Valkey.Prefix,
		},
	}
}

// OpenStorage constructs the configured backend.
func OpenStorage(opts StorageOptions, logger *slog.Logger) (Storage, error) {
	switch opts.Backend {
	case "", "memory":
		logger.Info("using memory cache storage", slog.String("max", formatBytes(uint64(opts.MemoryMaxBytes))))
		return NewMemoryStorage(opts.MemoryMaxBytes), nil
	case "leveldb":
		s, err := NewLevelDBStorage(opts.LevelDBPath, opts.LevelDBMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("storage: leveldb: %w", err)
		}
		logger.Info("using leveldb cache storage", slog.String("path", opts.LevelDBPath))
		return s, nil
	case "valkey":
		s, err := NewValkeyStorage(opts.Valkey)
		if err != nil {
			return nil, fmt.Errorf("storage: valkey: %w", err)
		}
		logger.Info("using valkey cache storage", slog.String("address", opts.Valkey.Address))
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", opts.Backend)
	}
}

var (
	// ErrQuotaExceeded is returned by Put when a single entry cannot fit in
	// the bucket's byte budget.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	errEmptyBucketName = errors.New("storage: empty bucket name")
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
