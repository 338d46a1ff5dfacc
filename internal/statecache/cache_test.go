package statecache

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/cache"
	"github.com/ethereum/go-ethereum/common"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func poolID(n int64) liquidity.PoolID {
	return liquidity.NewPoolID("uniswap-v2", common.BigToAddress(big.NewInt(n)))
}

type nopProvider struct{}

func (nopProvider) CurrentBlock(context.Context) (uint64, error) { return 0, nil }
func (nopProvider) Call(context.Context, common.Address, []byte, uint64) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

// countingFetcher builds constant product snapshots whose reserves encode the block.
type countingFetcher struct {
	calls atomic.Int32
	// gate, when set, blocks every fetch until closed or the fetch context ends.
	gate chan struct{}
	// fail makes the next n fetches fail.
	fail atomic.Int32
	// shift moves the returned snapshot to another block.
	shift uint64
}

func (f *countingFetcher) FetchState(ctx context.Context, _ chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return liquidity.Pool{}, &liquidity.ProviderError{Op: "eth_call", Err: ctx.Err()}
		}
	}
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return liquidity.Pool{}, &liquidity.ProviderError{Op: "getReserves", Err: errors.New("connection reset")}
	}
	return liquidity.Pool{
		ID:    id,
		Pair:  liquidity.MustTokenPair(usdc, weth),
		Block: block + f.shift,
		State: &liquidity.ConstantProductState{
			Reserve0: new(big.Int).SetUint64(block),
			Reserve1: big.NewInt(1000),
			FeeBps:   30,
		},
	}, nil
}

func newCache(t *testing.T, f Fetcher, capacity int) *Cache {
	t.Helper()
	c, err := New(Config{Fetcher: f, Provider: nopProvider{}, Capacity: capacity, FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{})}
	c := newCache(t, f, 10)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan liquidity.Pool, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool, err := c.GetOrFetch(context.Background(), poolID(1), 100)
			if err != nil {
				t.Errorf("GetOrFetch: %v", err)
				return
			}
			results <- pool
		}()
	}

	waitFor(t, func() bool { return f.calls.Load() > 0 })
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(results)

	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetcher called %d times, want 1", n)
	}
	for pool := range results {
		if pool.Block != 100 || pool.ID != poolID(1) {
			t.Errorf("unexpected snapshot %s@%d", pool.ID, pool.Block)
		}
	}
	if s := c.Stats(); s.Misses+s.Hits != callers || s.Entries != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestGetOrFetchHitSkipsFetcher(t *testing.T) {
	f := &countingFetcher{}
	c := newCache(t, f, 10)
	ctx := context.Background()

	first, _ := c.GetOrFetch(ctx, poolID(1), 100)
	second, err := c.GetOrFetch(ctx, poolID(1), 100)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls.Load())
	}
	if first.State != second.State {
		t.Error("a hit should return the stored snapshot")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, &countingFetcher{}, 2)
	ctx := context.Background()

	a, b, d := poolID(1), poolID(2), poolID(3)
	c.GetOrFetch(ctx, a, 100)
	c.GetOrFetch(ctx, b, 100)
	c.Get(a, 100) // a is now more recent than b
	c.GetOrFetch(ctx, d, 100)

	if _, ok := c.Get(b, 100); ok {
		t.Error("least recently used entry should be evicted")
	}
	for _, id := range []liquidity.PoolID{a, d} {
		if _, ok := c.Get(id, 100); !ok {
			t.Errorf("%s should still be cached", id)
		}
	}
	if s := c.Stats(); s.Entries != 2 || s.Evictions != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestPinnedEntryIsNotEvicted(t *testing.T) {
	c := newCache(t, &countingFetcher{}, 1)
	ctx := context.Background()
	a, b, d := poolID(1), poolID(2), poolID(3)

	c.GetOrFetch(ctx, a, 100)
	release, ok := c.Pin(a, 100)
	if !ok {
		t.Fatal("Pin of a held snapshot should succeed")
	}
	if _, ok := c.Pin(a, 999); ok {
		t.Error("Pin of a missing snapshot should fail")
	}

	c.GetOrFetch(ctx, b, 100)
	if _, ok := c.Get(a, 100); !ok {
		t.Fatal("pinned entry was evicted")
	}

	release()
	release()
	c.GetOrFetch(ctx, d, 100)
	c.GetOrFetch(ctx, d, 100)
	if _, ok := c.Get(a, 100); ok {
		t.Error("released entry should be evictable")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestEntryIsPinnedWhileItsFetchIsInFlight(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{})}
	c := newCache(t, f, 1)
	ctx := context.Background()

	done := make(chan error)
	go func() {
		_, err := c.GetOrFetch(ctx, poolID(1), 100)
		done <- err
	}()
	waitFor(t, func() bool { return f.calls.Load() == 1 })

	// another snapshot arriving while the first fetch is pending cannot evict it
	c.insert(ctx, key{id: poolID(2), block: 100}, liquidity.Pool{ID: poolID(2), Block: 100})
	c.mu.Lock()
	pinned := c.pins[key{id: poolID(1), block: 100}]
	c.mu.Unlock()
	if pinned != 1 {
		t.Errorf("in-flight key pin count = %d, want 1", pinned)
	}

	close(f.gate)
	if err := <-done; err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want the cache back at capacity", c.Len())
	}
}

func TestExactAndLatestLookupsAreDistinct(t *testing.T) {
	f := &countingFetcher{}
	c := newCache(t, f, 10)
	ctx := context.Background()
	id := poolID(1)

	c.GetOrFetch(ctx, id, 100)
	c.GetOrFetch(ctx, id, 98)

	if _, ok := c.Get(id, 101); ok {
		t.Error("Get must not return a snapshot from another block")
	}
	latest, ok := c.Latest(id)
	if !ok || latest.Block != 100 {
		t.Errorf("Latest = %d, %v; want block 100", latest.Block, ok)
	}

	pool, err := c.GetOrFetch(ctx, id, 101)
	if err != nil || pool.Block != 101 {
		t.Fatalf("GetOrFetch(101) = %d, %v", pool.Block, err)
	}
	if f.calls.Load() != 3 {
		t.Errorf("fetcher called %d times, want 3", f.calls.Load())
	}
	if _, ok := c.Latest(poolID(2)); ok {
		t.Error("Latest of an unknown pool should miss")
	}
}

func TestCallerTimeoutDoesNotCancelSharedFetch(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{})}
	c := newCache(t, f, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetOrFetch(ctx, poolID(1), 100)
	if !liquidity.IsTimeout(err) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	var fe *liquidity.FetchError
	if !errors.As(err, &fe) || fe.Pool != poolID(1) || fe.Block != 100 {
		t.Errorf("expected FetchError for the pool, got %v", err)
	}

	close(f.gate)
	waitFor(t, func() bool {
		_, ok := c.Get(poolID(1), 100)
		return ok
	})
	if f.calls.Load() != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls.Load())
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	f := &countingFetcher{}
	f.fail.Store(1)
	c := newCache(t, f, 10)
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, poolID(1), 100)
	var pe *liquidity.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected the provider error, got %v", err)
	}
	if liquidity.IsTimeout(err) {
		t.Error("provider failure is not a timeout")
	}

	if _, err := c.GetOrFetch(ctx, poolID(1), 100); err != nil {
		t.Fatalf("retry should fetch again: %v", err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("fetcher called %d times, want 2", f.calls.Load())
	}
	if s := c.Stats(); s.Errors != 1 || s.Misses != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestSnapshotFromAnotherBlockIsRejected(t *testing.T) {
	c := newCache(t, &countingFetcher{shift: 1}, 10)

	_, err := c.GetOrFetch(context.Background(), poolID(1), 100)
	if !errors.Is(err, liquidity.ErrBlockMismatch) {
		t.Fatalf("expected ErrBlockMismatch, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("mismatched snapshot must not be stored")
	}
}

func TestSnapshotStoreSharedBetweenCaches(t *testing.T) {
	mem := cache.NewMemoryCache(100)
	t.Cleanup(func() { mem.Close() })
	store := NewSnapshotStore(mem, time.Hour, nil, nil)

	first := &countingFetcher{}
	c1, _ := New(Config{Fetcher: first, Provider: nopProvider{}, Store: store})
	if _, err := c1.GetOrFetch(context.Background(), poolID(1), 100); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	second := &countingFetcher{}
	c2, _ := New(Config{Fetcher: second, Provider: nopProvider{}, Store: store})
	pool, err := c2.GetOrFetch(context.Background(), poolID(1), 100)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if second.calls.Load() != 0 {
		t.Error("snapshot store hit should avoid the fetcher")
	}
	if pool.Block != 100 || pool.State.(*liquidity.ConstantProductState).Reserve0.Int64() != 100 {
		t.Errorf("unexpected snapshot %+v", pool)
	}

	if _, ok := store.Load(context.Background(), poolID(1), 101); ok {
		t.Error("store must be keyed by block")
	}
}

func TestRecentlyRequested(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c, _ := New(Config{Fetcher: &countingFetcher{}, Provider: nopProvider{}, Now: clock})
	ctx := context.Background()

	c.GetOrFetch(ctx, poolID(2), 100)
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	c.GetOrFetch(ctx, poolID(1), 100)

	got := c.RecentlyRequested(now.Add(-30 * time.Second))
	if len(got) != 1 || got[0] != poolID(1) {
		t.Errorf("RecentlyRequested = %v", got)
	}
	if all := c.RecentlyRequested(time.Time{}); len(all) != 1 {
		t.Errorf("expired markers should be dropped, got %v", all)
	}
}

func TestRecentlyRequestedNewestFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, _ := New(Config{Fetcher: &countingFetcher{}, Provider: nopProvider{}, Now: func() time.Time { return now }})
	ctx := context.Background()

	for _, n := range []int64{1, 3, 2} {
		c.GetOrFetch(ctx, poolID(n), 100)
		now = now.Add(time.Second)
	}
	c.GetOrFetch(ctx, poolID(1), 101)

	got := c.RecentlyRequested(time.Time{})
	want := []liquidity.PoolID{poolID(1), poolID(2), poolID(3)}
	if len(got) != len(want) {
		t.Fatalf("RecentlyRequested = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRefreshDoesNotMarkDemand(t *testing.T) {
	f := &countingFetcher{}
	c := newCache(t, f, 10)
	ctx := context.Background()

	pool, err := c.Refresh(ctx, poolID(1), 100)
	if err != nil || pool.Block != 100 {
		t.Fatalf("Refresh = %d, %v", pool.Block, err)
	}
	if got := c.RecentlyRequested(time.Time{}); len(got) != 0 {
		t.Errorf("Refresh should not mark pools as requested, got %v", got)
	}
	if _, ok := c.Get(poolID(1), 100); !ok {
		t.Error("refreshed snapshot should be cached")
	}
	if _, err := c.Refresh(ctx, poolID(1), 100); err != nil || f.calls.Load() != 1 {
		t.Errorf("second Refresh should hit the cache: calls=%d err=%v", f.calls.Load(), err)
	}
}
