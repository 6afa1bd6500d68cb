package waittime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	calls    atomic.Int32
	sourceFn func(ctx context.Context, locationID string, since time.Time) (float64, bool, error)
}

func (f *fakeSource) AverageServiceMinutes(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
	f.calls.Add(1)
	return f.sourceFn(ctx, locationID, since)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (float64, bool, error) {
	return 0, false, errors.New("cache offline")
}

func (failingCache) Set(context.Context, string, float64) error {
	return errors.New("cache offline")
}

func TestResolverCachesLiveAverage(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		assert.Equal(t, now.Add(-7*24*time.Hour), since)
		return 22, true, nil
	}}
	resolver := NewResolver(NewMemoryCache(time.Minute, func() time.Time { return now }), source, ResolverConfig{
		FallbackMinutes: 15,
		Lookback:        7 * 24 * time.Hour,
		Now:             func() time.Time { return now },
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		minutes, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
		require.NoError(t, err)
		assert.Equal(t, 22.0, minutes)
	}
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestResolverFallsBackWithoutHistory(t *testing.T) {
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		return 0, false, nil
	}}
	resolver := NewResolver(NewMemoryCache(time.Minute, nil), source, ResolverConfig{FallbackMinutes: 12}, nil)

	minutes, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, minutes)
}

func TestResolverPropagatesSourceError(t *testing.T) {
	boom := errors.New("query failed")
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		return 0, false, boom
	}}
	resolver := NewResolver(NewMemoryCache(time.Minute, nil), source, ResolverConfig{}, nil)

	_, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
	assert.ErrorIs(t, err, boom)
}

func TestResolverToleratesCacheFailure(t *testing.T) {
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		return 18, true, nil
	}}
	resolver := NewResolver(failingCache{}, source, ResolverConfig{}, zap.NewNop())

	minutes, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, 18.0, minutes)
}

func TestResolverCollapsesConcurrentMisses(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		once.Do(func() { close(started) })
		<-release
		return 20, true, nil
	}}
	resolver := NewResolver(NewMemoryCache(time.Minute, nil), source, ResolverConfig{}, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan float64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			minutes, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			results <- minutes
		}()
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for minutes := range results {
		assert.Equal(t, 20.0, minutes)
	}
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestResolverSharedLoadSurvivesCanceledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	source := &fakeSource{sourceFn: func(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
		close(started)
		select {
		case <-release:
			return 25, true, ctx.Err()
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}}
	resolver := NewResolver(NewMemoryCache(time.Minute, nil), source, ResolverConfig{}, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := resolver.AverageServiceMinutes(firstCtx, "loc-1")
		firstErr <- err
	}()
	<-started

	second := make(chan float64, 1)
	go func() {
		minutes, err := resolver.AverageServiceMinutes(context.Background(), "loc-1")
		if err != nil {
			t.Errorf("second caller: %v", err)
		}
		second <- minutes
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	assert.Equal(t, 25.0, <-second)
	assert.Equal(t, int32(1), source.calls.Load())
}
