package orchestrator

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
	"github.com/cowprotocol/cow-native-liquidity/internal/statecache"
	"github.com/ethereum/go-ethereum/common"
)

func poolID(n int64) liquidity.PoolID {
	return liquidity.NewPoolID("uniswap-v2", common.BigToAddress(big.NewInt(n)))
}

// fakeSource answers instantly unless the pool is listed as slow or failing.
type fakeSource struct {
	slow    map[liquidity.PoolID]bool
	failing map[liquidity.PoolID]error
	delay   time.Duration

	mu        sync.Mutex
	finished  map[liquidity.PoolID]time.Time
	calls     map[liquidity.PoolID]int
	refreshes int

	inFlight, maxInFlight atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		slow:     map[liquidity.PoolID]bool{},
		failing:  map[liquidity.PoolID]error{},
		finished: map[liquidity.PoolID]time.Time{},
		calls:    map[liquidity.PoolID]int{},
	}
}

func (s *fakeSource) Refresh(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	return s.GetOrFetch(ctx, id, block)
}

func (s *fakeSource) GetOrFetch(ctx context.Context, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	s.mu.Lock()
	s.calls[id]++
	s.mu.Unlock()

	if s.slow[id] {
		<-ctx.Done()
		return liquidity.Pool{}, liquidity.NewTimeoutError(id, block, ctx.Err())
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	defer func() {
		s.mu.Lock()
		s.finished[id] = time.Now()
		s.mu.Unlock()
	}()
	if err := s.failing[id]; err != nil {
		return liquidity.Pool{}, &liquidity.FetchError{Pool: id, Block: block, Err: err}
	}
	return liquidity.Pool{ID: id, Block: block, State: &liquidity.ConstantProductState{
		Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1000), FeeBps: 30,
	}}, nil
}

type fakeHealth struct {
	mu        sync.Mutex
	successes map[liquidity.PoolID]int
	failures  map[liquidity.PoolID][]error
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{successes: map[liquidity.PoolID]int{}, failures: map[liquidity.PoolID][]error{}}
}

func (h *fakeHealth) RecordSuccess(id liquidity.PoolID) {
	h.mu.Lock()
	h.successes[id]++
	h.mu.Unlock()
}

func (h *fakeHealth) RecordFailure(id liquidity.PoolID, err error) {
	h.mu.Lock()
	h.failures[id] = append(h.failures[id], err)
	h.mu.Unlock()
}

func TestRefreshAllIsolatesSlowPool(t *testing.T) {
	src := newFakeSource()
	slow := poolID(1)
	src.slow[slow] = true
	health := newFakeHealth()
	o, err := New(Config{Source: src, Health: health})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ids := []liquidity.PoolID{slow, poolID(2), poolID(3), poolID(4)}
	const timeout = 200 * time.Millisecond
	start := time.Now()
	results := o.RefreshAll(context.Background(), ids, 100, timeout)

	if len(results) != len(ids) {
		t.Fatalf("got %d results, want %d", len(results), len(ids))
	}
	if !liquidity.IsTimeout(results[slow].Err) {
		t.Errorf("slow pool: expected a timeout, got %v", results[slow].Err)
	}
	for _, id := range ids[1:] {
		res := results[id]
		if res.Err != nil || res.Pool.Block != 100 {
			t.Errorf("%s: %+v", id, res)
		}
		if done := src.finished[id]; done.Sub(start) >= timeout {
			t.Errorf("%s finished after the slow pool's deadline", id)
		}
	}
	if len(health.failures[slow]) != 1 || health.successes[poolID(2)] != 1 {
		t.Errorf("health reports: failures=%v successes=%v", health.failures, health.successes)
	}
}

func TestRefreshAllReportsErrorsPerPool(t *testing.T) {
	src := newFakeSource()
	broken := poolID(2)
	src.failing[broken] = &liquidity.ProviderError{Op: "getReserves", Err: errors.New("execution reverted")}
	health := newFakeHealth()
	o, _ := New(Config{Source: src, Health: health})

	results := o.RefreshAll(context.Background(), []liquidity.PoolID{poolID(1), broken, poolID(1)}, 7, time.Second)
	if len(results) != 2 {
		t.Fatalf("duplicates should collapse, got %d results", len(results))
	}
	var pe *liquidity.ProviderError
	if !errors.As(results[broken].Err, &pe) || liquidity.IsTimeout(results[broken].Err) {
		t.Errorf("broken pool: %v", results[broken].Err)
	}
	if src.calls[poolID(1)] != 1 {
		t.Errorf("pool fetched %d times, want 1", src.calls[poolID(1)])
	}
	if snaps := Snapshots(results); len(snaps) != 1 {
		t.Errorf("Snapshots = %v", snaps)
	}
	if len(health.failures[broken]) != 1 {
		t.Errorf("failure not reported: %v", health.failures)
	}
}

func TestRefreshAllBoundsInFlight(t *testing.T) {
	src := newFakeSource()
	src.delay = 10 * time.Millisecond
	o, _ := New(Config{Source: src, MaxInFlight: 2})

	var ids []liquidity.PoolID
	for i := range 10 {
		ids = append(ids, poolID(int64(i+1)))
	}
	results := o.RefreshAll(context.Background(), ids, 1, time.Second)

	if len(Snapshots(results)) != 10 {
		t.Errorf("expected every pool to succeed: %v", results)
	}
	if m := src.maxInFlight.Load(); m > 2 {
		t.Errorf("max in flight = %d, want at most 2", m)
	}
}

func TestRefreshAllCancelledBatchDoesNotBlamePools(t *testing.T) {
	src := newFakeSource()
	src.slow[poolID(1)] = true
	health := newFakeHealth()
	o, _ := New(Config{Source: src, Health: health})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	results := o.RefreshAll(ctx, []liquidity.PoolID{poolID(1)}, 1, time.Minute)

	if results[poolID(1)].Err == nil {
		t.Fatal("expected an error for the cancelled fetch")
	}
	if len(health.failures) != 0 {
		t.Errorf("cancellation must not count as a pool failure: %v", health.failures)
	}
}

type fakeIndex struct {
	requested []liquidity.PoolID
	latest    map[liquidity.PoolID]uint64
}

func (f *fakeIndex) RecentlyRequested(time.Time) []liquidity.PoolID { return f.requested }

func (f *fakeIndex) Latest(id liquidity.PoolID) (liquidity.Pool, bool) {
	b, ok := f.latest[id]
	return liquidity.Pool{ID: id, Block: b}, ok
}

type fakeUnreachable []liquidity.PoolID

func (f fakeUnreachable) Unreachable() []liquidity.PoolID { return f }

type fakeHeads struct{ ch chan chain.Head }

func (f fakeHeads) Subscribe() (<-chan chain.Head, func()) { return f.ch, func() {} }

func TestMaintainerRefreshesOutdatedPools(t *testing.T) {
	src := newFakeSource()
	o, _ := New(Config{Source: src})
	index := &fakeIndex{
		requested: []liquidity.PoolID{poolID(1), poolID(2), poolID(3), poolID(4)},
		latest:    map[liquidity.PoolID]uint64{poolID(1): 100, poolID(2): 99, poolID(3): 50},
	}
	m, err := NewMaintainer(MaintainerConfig{
		Orchestrator: o,
		Heads:        fakeHeads{},
		Index:        index,
		UpdateSize:   2,
	})
	if err != nil {
		t.Fatalf("NewMaintainer: %v", err)
	}

	m.OnHead(context.Background(), 100)

	if src.calls[poolID(1)] != 0 {
		t.Error("pool already at the head should not be refreshed")
	}
	if src.calls[poolID(2)] != 1 || src.calls[poolID(3)] != 1 {
		t.Errorf("outdated pools not refreshed: %v", src.calls)
	}
	if src.calls[poolID(4)] != 0 {
		t.Error("refresh should stop at the update size")
	}
}

func TestMaintainerRetriesUnreachable(t *testing.T) {
	src := newFakeSource()
	health := newFakeHealth()
	o, _ := New(Config{Source: src, Health: health})
	dead := poolID(9)
	heads := fakeHeads{ch: make(chan chain.Head)}
	m, _ := NewMaintainer(MaintainerConfig{
		Orchestrator: o,
		Heads:        heads,
		Index:        &fakeIndex{},
		Unreachable:  fakeUnreachable{dead},
		ProbeEvery:   3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	for n := uint64(1); n <= 6; n++ {
		heads.ch <- chain.Head{Number: n}
	}
	close(heads.ch)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()

	if src.calls[dead] != 2 {
		t.Errorf("retried %d times over 6 heads, want 2", src.calls[dead])
	}
	if health.successes[dead] != 2 {
		t.Errorf("recovery successes = %d", health.successes[dead])
	}
}

type nopProvider struct{}

func (nopProvider) CurrentBlock(context.Context) (uint64, error) { return 0, nil }
func (nopProvider) Call(context.Context, common.Address, []byte, uint64) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

// blockFetcher returns a snapshot at whatever block it is asked for.
type blockFetcher struct {
	mu    sync.Mutex
	calls map[liquidity.PoolID]int
}

func (f *blockFetcher) FetchState(_ context.Context, _ chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	return liquidity.Pool{ID: id, Block: block, State: &liquidity.ConstantProductState{
		Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1000), FeeBps: 30,
	}}, nil
}

func (f *blockFetcher) count(id liquidity.PoolID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// newCachedMaintainer wires a maintainer to a real state cache driven by the
// returned clock.
func newCachedMaintainer(t *testing.T, updateSize int) (*Maintainer, *statecache.Cache, *blockFetcher, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	fetcher := &blockFetcher{calls: map[liquidity.PoolID]int{}}
	states, err := statecache.New(statecache.Config{Fetcher: fetcher, Provider: nopProvider{}, Now: clock})
	if err != nil {
		t.Fatalf("statecache.New: %v", err)
	}
	o, _ := New(Config{Source: states})
	m, err := NewMaintainer(MaintainerConfig{
		Orchestrator: o,
		Heads:        fakeHeads{},
		Index:        states,
		RecentWindow: time.Minute,
		UpdateSize:   updateSize,
		Now:          clock,
	})
	if err != nil {
		t.Fatalf("NewMaintainer: %v", err)
	}
	return m, states, fetcher, &now
}

func TestMaintainerStopsAfterRecentWindow(t *testing.T) {
	m, states, fetcher, now := newCachedMaintainer(t, 0)
	ctx := context.Background()
	id := poolID(1)

	if _, err := states.GetOrFetch(ctx, id, 100); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	// One head every 12s keeps the pool current while the request is recent.
	for block := uint64(101); block <= 104; block++ {
		*now = now.Add(12 * time.Second)
		m.OnHead(ctx, block)
	}
	if got := fetcher.count(id); got != 5 {
		t.Fatalf("fetches inside the window = %d, want 5", got)
	}
	if pool, _ := states.Latest(id); pool.Block != 104 {
		t.Fatalf("latest block = %d, want 104", pool.Block)
	}

	*now = now.Add(time.Minute)
	for block := uint64(105); block <= 110; block++ {
		*now = now.Add(12 * time.Second)
		m.OnHead(ctx, block)
	}
	if got := fetcher.count(id); got != 5 {
		t.Errorf("pool refreshed %d more times after its last request expired", got-5)
	}
	if recent := states.RecentlyRequested(now.Add(-time.Hour)); len(recent) != 0 {
		t.Errorf("maintenance kept the pool in demand: %v", recent)
	}
}

func TestMaintainerUpdateSizeKeepsNewestRequests(t *testing.T) {
	m, states, fetcher, now := newCachedMaintainer(t, 1)
	ctx := context.Background()
	older, newer := poolID(1), poolID(2)

	if _, err := states.GetOrFetch(ctx, older, 100); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := states.GetOrFetch(ctx, newer, 100); err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}

	m.OnHead(ctx, 101)

	if pool, _ := states.Latest(newer); pool.Block != 101 {
		t.Errorf("newest request left at block %d, want 101", pool.Block)
	}
	if got := fetcher.count(older); got != 1 {
		t.Errorf("older request fetched %d times, want 1", got)
	}
}

func TestMaintainDoesNotCountAsDemand(t *testing.T) {
	src := newFakeSource()
	o, _ := New(Config{Source: src})

	results := o.Maintain(context.Background(), []liquidity.PoolID{poolID(1), poolID(2)}, 5, time.Second)

	if len(Snapshots(results)) != 2 {
		t.Fatalf("results = %v", results)
	}
	if src.refreshes != 2 {
		t.Errorf("Maintain went through Refresh %d times, want 2", src.refreshes)
	}
}
