package anxcache

import (
	"log/slog"
	"math"
	"sync/atomic"
)

// statsCollector aggregates what the interceptor served since start. It is
// summarized in the periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	fromCache   atomic.Uint64
	fromNetwork atomic.Uint64
	synthetic   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	switch source {
	case SourceCache, SourceFallback:
		s.fromCache.Add(1)
	case SourceNetwork:
		s.fromNetwork.Add(1)
	case SourceOffline, SourceError:
		s.synthetic.Add(1)
	}

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	FromCache      uint64
	FromNetwork    uint64
	Synthetic      uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.totalRespBytes.Load()
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
		FromCache:      s.fromCache.Load(),
		FromNetwork:    s.fromNetwork.Load(),
		Synthetic:      s.synthetic.Load(),
	}
}

// HitRatio is the share of responses answered from a bucket.
func (s statsSnapshot) HitRatio() float64 {
	if s.TotalResponses == 0 {
		return 0
	}
	return float64(s.FromCache) / float64(s.TotalResponses)
}

func (s statsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("responses", s.TotalResponses),
		slog.Uint64("cache", s.FromCache),
		slog.Uint64("network", s.FromNetwork),
		slog.Uint64("synthetic", s.Synthetic),
		slog.Float64("hit_ratio", s.HitRatio()),
		slog.String("resp_min", formatBytes(s.MinRespBytes)),
		slog.String("resp_avg", formatBytes(s.AvgRespBytes)),
		slog.String("resp_max", formatBytes(s.MaxRespBytes)),
	)
}
