package anxcache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// rateLimitedLogger keeps storage failures from flooding the log when a
// backend goes away. Suppressed records are counted and reported with the
// next one that gets through.
type rateLimitedLogger struct {
	log      *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed atomic.Uint64
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, attrs ...any) {
	if !l.allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, slog.Uint64("suppressed", n))
	}
	l.log.Warn(msg, attrs...)
}

func (l *rateLimitedLogger) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return false
	}
	l.lastAt = now
	return true
}
