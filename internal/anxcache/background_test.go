package anxcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anxcache/internal/metrics"
)

func TestBackgroundOutlivesRequestContext(t *testing.T) {
	b := newBackground(4, discardLogger, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var cancelled atomic.Bool
	require.True(t, b.Go(ctx, taskCacheWrite, "/k", time.Second, func(ctx context.Context) error {
		cancelled.Store(ctx.Err() != nil)
		return nil
	}))
	b.Wait()
	assert.False(t, cancelled.Load())
}

func TestBackgroundAppliesTimeout(t *testing.T) {
	b := newBackground(4, discardLogger, nil)
	defer b.Close()

	done := make(chan error, 1)
	b.Go(context.Background(), taskRevalidate, "/k", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestBackgroundTryGoSkipsWhenFull(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	b := newBackground(1, discardLogger, rec)
	defer b.Close()

	release := make(chan struct{})
	require.True(t, b.TryGo(context.Background(), taskRevalidate, "/a", time.Second, func(context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, b.TryGo(context.Background(), taskRevalidate, "/b", time.Second, func(context.Context) error {
		return nil
	}))
	close(release)
	b.Wait()

	labels := map[string]string{"task": taskRevalidate, "result": "skipped"}
	assert.Equal(t, 1.0, counterValue(t, rec, "anxcache_background_tasks_total", labels))
	labels["result"] = "succeeded"
	assert.Equal(t, 1.0, counterValue(t, rec, "anxcache_background_tasks_total", labels))
}

func TestBackgroundTryGoDropsDuplicatesWithoutTakingASlot(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	b := newBackground(2, discardLogger, rec)
	defer b.Close()

	release := make(chan struct{})
	blocked := func(context.Context) error {
		<-release
		return nil
	}
	require.True(t, b.TryGo(context.Background(), taskRevalidate, "/a", time.Second, blocked))
	assert.False(t, b.TryGo(context.Background(), taskRevalidate, "/a", time.Second, blocked))
	assert.True(t, b.TryGo(context.Background(), taskRevalidate, "/b", time.Second, blocked),
		"the duplicate must leave the second slot free")
	close(release)
	b.Wait()

	labels := map[string]string{"task": taskRevalidate, "result": "deduplicated"}
	assert.Equal(t, 1.0, counterValue(t, rec, "anxcache_background_tasks_total", labels))

	// Once finished, the key can run again.
	assert.True(t, b.TryGo(context.Background(), taskRevalidate, "/a", time.Second, func(context.Context) error { return nil }))
	b.Wait()
}

func TestBackgroundRecoversPanics(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	b := newBackground(2, discardLogger, rec)
	defer b.Close()

	b.Go(context.Background(), taskSWRFetch, "/k", 0, func(context.Context) error {
		panic("boom")
	})
	b.Go(context.Background(), taskSWRFetch, "/k", 0, func(context.Context) error {
		return errors.New("refused")
	})
	b.Wait()

	labels := map[string]string{"task": taskSWRFetch, "result": "failed"}
	assert.Equal(t, 2.0, counterValue(t, rec, "anxcache_background_tasks_total", labels))
}

func TestBackgroundRefusesAfterClose(t *testing.T) {
	b := newBackground(2, discardLogger, nil)
	b.Close()
	assert.False(t, b.Go(context.Background(), taskCacheWrite, "/k", 0, func(context.Context) error { return nil }))
	assert.False(t, b.TryGo(context.Background(), taskCacheWrite, "/k", 0, func(context.Context) error { return nil }))
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(SourceCache, 100)
	s.Observe(SourceNetwork, 300)
	s.Observe(SourceOffline, 50)
	s.Observe(SourceFallback, -1)

	snap := s.Snapshot()
	assert.EqualValues(t, 4, snap.TotalResponses)
	assert.EqualValues(t, 0, snap.MinRespBytes)
	assert.EqualValues(t, 300, snap.MaxRespBytes)
	assert.EqualValues(t, 112, snap.AvgRespBytes)
	assert.EqualValues(t, 2, snap.FromCache)
	assert.EqualValues(t, 1, snap.FromNetwork)
	assert.EqualValues(t, 1, snap.Synthetic)
	assert.InDelta(t, 0.5, snap.HitRatio(), 1e-9)
}
