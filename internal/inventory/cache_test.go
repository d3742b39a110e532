package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchStoresBalance(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	var loads int32
	loader := func(context.Context) (StockBalance, error) {
		atomic.AddInt32(&loads, 1)
		return StockBalance{ProductID: 1, LocationID: 10, Quantity: d("12.5"), AverageCost: d("3.2")}, nil
	}

	first, err := cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)
	second, err := cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&loads))
	requireDecimal(t, "12.5", second.Quantity)
	requireDecimal(t, first.AverageCost.String(), second.AverageCost)
	require.True(t, mr.Exists("stockledger:balance:1:10"))

	mr.FastForward(2 * time.Minute)
	_, err = cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&loads))
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	var loads int32
	loader := func(context.Context) (StockBalance, error) {
		atomic.AddInt32(&loads, 1)
		return StockBalance{ProductID: 1, LocationID: 10}, nil
	}
	_, err := cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, keyA, keyB))
	require.False(t, mr.Exists("stockledger:balance:1:10"))
	_, err = cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&loads))
}

func TestCacheDoesNotStoreLoaderErrors(t *testing.T) {
	cache, mr := newTestCache(t)
	_, err := cache.Fetch(context.Background(), keyA, func(context.Context) (StockBalance, error) {
		return StockBalance{}, ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, mr.Exists("stockledger:balance:1:10"))
}

func TestCacheFallsBackWhenRedisIsDown(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()
	balance, err := cache.Fetch(context.Background(), keyA, func(context.Context) (StockBalance, error) {
		return StockBalance{ProductID: 1, LocationID: 10, Quantity: d("4")}, nil
	})
	require.NoError(t, err)
	requireDecimal(t, "4", balance.Quantity)
	require.Error(t, cache.Invalidate(context.Background(), keyA))
}

func TestCacheCoalescesConcurrentMisses(t *testing.T) {
	cache, _ := newTestCache(t)
	release := make(chan struct{})
	var loads int32
	loader := func(context.Context) (StockBalance, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return StockBalance{ProductID: 1, LocationID: 10, Quantity: d("1")}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Fetch(context.Background(), keyA, loader)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&loads) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&loads), int32(8))
}

func TestCacheDropsLoadThatRacedInvalidate(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var loads int32
	loader := func(context.Context) (StockBalance, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			close(started)
			<-release
			return StockBalance{ProductID: 1, LocationID: 10, Quantity: d("10")}, nil
		}
		return StockBalance{ProductID: 1, LocationID: 10, Quantity: d("6")}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, keyA, loader)
		done <- err
	}()
	<-started
	require.NoError(t, cache.Invalidate(ctx, keyA))
	close(release)
	require.NoError(t, <-done)
	require.False(t, mr.Exists("stockledger:balance:1:10"), "stale load must not be cached")

	fresh, err := cache.Fetch(ctx, keyA, loader)
	require.NoError(t, err)
	requireDecimal(t, "6", fresh.Quantity)
	require.True(t, mr.Exists("stockledger:balance:1:10"))
}

// blockingBalances holds GetBalance after it has read the row until release
// is closed.
type blockingBalances struct {
	*memoryRepo
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBalances) GetBalance(ctx context.Context, key Key) (StockBalance, error) {
	balance, err := b.memoryRepo.GetBalance(ctx, key)
	b.once.Do(func() {
		close(b.read)
		<-b.release
	})
	return balance, err
}

func TestServiceBalanceReadRacingCommitIsNotCached(t *testing.T) {
	cache, _ := newTestCache(t)
	repo := &blockingBalances{memoryRepo: newMemoryRepo(), read: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, cache, nil, nil, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, keyA, "10", "2")

	type result struct {
		balance StockBalance
		err     error
	}
	done := make(chan result, 1)
	go func() {
		b, err := svc.GetBalance(ctx, keyA)
		done <- result{b, err}
	}()
	<-repo.read
	_, err := svc.ApplyMovement(ctx, sale(keyA, "4", "so-race"))
	require.NoError(t, err)
	close(repo.release)

	stale := <-done
	require.NoError(t, stale.err)
	requireDecimal(t, "10", stale.balance.Quantity)

	fresh, err := svc.GetBalance(ctx, keyA)
	require.NoError(t, err)
	requireDecimal(t, "6", fresh.Quantity)
}

func TestServiceInvalidatesCacheAfterCommit(t *testing.T) {
	cache, _ := newTestCache(t)
	repo := newMemoryRepo()
	svc := NewService(repo, cache, nil, nil, ServiceConfig{})
	ctx := context.Background()
	seed(t, svc, keyA, "10", "2")

	cached, err := svc.GetBalance(ctx, keyA)
	require.NoError(t, err)
	requireDecimal(t, "10", cached.Quantity)

	_, err = svc.ApplyMovement(ctx, sale(keyA, "4", "so-cache"))
	require.NoError(t, err)
	fresh, err := svc.GetBalance(ctx, keyA)
	require.NoError(t, err)
	requireDecimal(t, "6", fresh.Quantity)
}

func TestServiceGetBalanceNotFoundThroughCache(t *testing.T) {
	cache, _ := newTestCache(t)
	svc := NewService(newMemoryRepo(), cache, nil, nil, ServiceConfig{})
	_, err := svc.GetBalance(context.Background(), keyA)
	require.True(t, errors.Is(err, ErrNotFound))
}
