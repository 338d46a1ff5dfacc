package registry

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
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing"
	"github.com/ethereum/go-ethereum/common"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

	pairUW = liquidity.MustTokenPair(usdc, weth)
	pairDW = liquidity.MustTokenPair(dai, weth)
)

func poolID(adapter string, n int64) liquidity.PoolID {
	return liquidity.NewPoolID(adapter, common.BigToAddress(big.NewInt(n)))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegisterIdempotentAndSorted(t *testing.T) {
	r := New(Config{})
	ids := []liquidity.PoolID{poolID("v3", 2), poolID("curve", 9), poolID("v3", 1)}
	for _, id := range ids {
		if !r.Register(pairUW, id) {
			t.Errorf("first Register(%s) should report new", id)
		}
	}
	if r.Register(pairUW, ids[0]) {
		t.Error("second Register should be a no-op")
	}

	got := r.PoolsFor(pairUW)
	want := []liquidity.PoolID{poolID("curve", 9), poolID("v3", 1), poolID("v3", 2)}
	if len(got) != len(want) {
		t.Fatalf("PoolsFor = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PoolsFor[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if len(r.PoolsFor(pairDW)) != 0 {
		t.Error("unrelated pair should be empty")
	}
	if s := r.Stats(); s.Pairs != 1 || s.Pools != 3 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestFailureThresholdAndReset(t *testing.T) {
	r := New(Config{FailureThreshold: 3})
	broken, healthy := poolID("v2", 1), poolID("v2", 2)
	r.Register(pairUW, broken)
	r.Register(pairUW, healthy)

	boom := errors.New("rpc timeout")
	r.RecordFailure(broken, boom)
	r.RecordFailure(broken, boom)
	if len(r.PoolsFor(pairUW)) != 2 {
		t.Fatal("pool should stay below threshold")
	}

	r.RecordFailure(broken, boom)
	got := r.PoolsFor(pairUW)
	if len(got) != 1 || got[0] != healthy {
		t.Fatalf("PoolsFor after threshold = %v", got)
	}
	if u := r.Unreachable(); len(u) != 1 || u[0] != broken {
		t.Errorf("Unreachable = %v", u)
	}
	if st, _ := r.Status(broken); !st.Unreachable || st.ConsecutiveFailures != 3 || st.LastError != "rpc timeout" {
		t.Errorf("Status = %+v", st)
	}
	if len(r.Known(pairUW)) != 2 {
		t.Error("Known should include unreachable pools")
	}

	r.RecordSuccess(broken)
	if len(r.PoolsFor(pairUW)) != 2 {
		t.Error("success should re-admit the pool")
	}
	if r.Stats().Unreachable != 0 {
		t.Errorf("Stats = %+v", r.Stats())
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	r := New(Config{FailureThreshold: 2})
	id := poolID("v2", 1)
	r.Register(pairUW, id)

	r.RecordFailure(id, nil)
	r.RecordSuccess(id)
	r.RecordFailure(id, nil)
	if len(r.PoolsFor(pairUW)) != 1 {
		t.Error("non-consecutive failures should not demote")
	}
}

func TestRecoveryCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(Config{FailureThreshold: 1, RecoveryCooldown: time.Minute, Now: clock.Now})
	id := poolID("v2", 1)
	r.Register(pairUW, id)

	r.RecordFailure(id, nil)
	if len(r.PoolsFor(pairUW)) != 0 {
		t.Fatal("pool should be excluded")
	}

	clock.Advance(time.Minute)
	if len(r.PoolsFor(pairUW)) != 1 {
		t.Fatal("pool should be admitted for a probe after the cooldown")
	}
	if len(r.PoolsFor(pairUW)) != 0 {
		t.Fatal("only one probe per cooldown")
	}

	// failed probe re-arms the cooldown
	r.RecordFailure(id, nil)
	clock.Advance(30 * time.Second)
	if len(r.PoolsFor(pairUW)) != 0 {
		t.Fatal("pool should wait for a full cooldown after a failed probe")
	}
	clock.Advance(30 * time.Second)
	if len(r.PoolsFor(pairUW)) != 1 {
		t.Fatal("pool should be probed again")
	}
	r.RecordSuccess(id)
	if len(r.PoolsFor(pairUW)) != 1 || len(r.PoolsFor(pairUW)) != 1 {
		t.Error("recovered pool should be admitted every time")
	}
}

func TestNoCooldownNeverAutoRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(Config{FailureThreshold: 1, Now: clock.Now})
	id := poolID("v2", 1)
	r.Register(pairUW, id)
	r.RecordFailure(id, nil)

	clock.Advance(24 * time.Hour)
	if len(r.PoolsFor(pairUW)) != 0 {
		t.Error("without a cooldown only a successful fetch re-admits a pool")
	}
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	r := New(Config{})
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ids := r.PoolsFor(pairUW)
			for i := 1; i < len(ids); i++ {
				if ids[i-1].Compare(ids[i]) >= 0 {
					torn.Store(true)
				}
			}
		}
	}()

	var writersWG sync.WaitGroup
	for w := range writers {
		writersWG.Add(1)
		go func() {
			defer writersWG.Done()
			for i := range perWriter {
				r.Register(pairUW, poolID("v2", int64(w*perWriter+i+1)))
				r.Register(pairDW, poolID("v2", int64(i+1)))
			}
		}()
	}
	writersWG.Wait()
	close(stop)
	wg.Wait()

	if torn.Load() {
		t.Error("reader observed an unsorted snapshot")
	}
	if n := len(r.PoolsFor(pairUW)); n != writers*perWriter {
		t.Errorf("PoolsFor has %d pools, want %d", n, writers*perWriter)
	}
	if n := len(r.PoolsFor(pairDW)); n != perWriter {
		t.Errorf("other pair has %d pools, want %d", n, perWriter)
	}
}

// fakeAdapter implements pricing.Adapter discovery only.
type fakeAdapter struct {
	name    string
	ids     []liquidity.PoolID
	err     error
	calls   atomic.Int32
	block   atomic.Uint64
	release chan struct{}
}

func (a *fakeAdapter) Name() string         { return a.name }
func (a *fakeAdapter) Kind() liquidity.Kind { return liquidity.KindConstantProduct }

func (a *fakeAdapter) Discover(ctx context.Context, _ chain.Provider, _ liquidity.TokenPair, block uint64) ([]liquidity.PoolID, error) {
	a.calls.Add(1)
	a.block.Store(block)
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.ids, a.err
}

func (a *fakeAdapter) FetchState(context.Context, chain.Provider, liquidity.PoolID, uint64) (liquidity.Pool, error) {
	return liquidity.Pool{}, errors.New("not implemented")
}

func (a *fakeAdapter) Price(liquidity.Pool, *big.Int, liquidity.Direction) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

type headProvider struct{ head uint64 }

func (p headProvider) CurrentBlock(context.Context) (uint64, error) { return p.head, nil }
func (p headProvider) Call(context.Context, common.Address, []byte, uint64) ([]byte, error) {
	return nil, errors.New("no calls")
}

func TestDiscoveryRegistersAtSafeBlock(t *testing.T) {
	r := New(Config{})
	good := &fakeAdapter{name: "v2", ids: []liquidity.PoolID{poolID("v2", 1)}}
	bad := &fakeAdapter{name: "curve", err: errors.New("reverted")}

	d, err := NewDiscovery(r, DiscoveryConfig{Adapters: []pricing.Adapter{good, bad}, Provider: headProvider{head: 100}})
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}
	if err := d.Ensure(context.Background(), pairUW); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if got := good.block.Load(); got != 100-DefaultMaxReorgDepth {
		t.Errorf("discovered at block %d, want %d", got, 100-DefaultMaxReorgDepth)
	}
	if ids := r.PoolsFor(pairUW); len(ids) != 1 || ids[0] != poolID("v2", 1) {
		t.Errorf("PoolsFor = %v", ids)
	}

	// fresh within the TTL
	if err := d.Ensure(context.Background(), pairUW); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if good.calls.Load() != 1 {
		t.Errorf("adapter called %d times, want 1", good.calls.Load())
	}
}

func TestDiscoveryAllAdaptersFail(t *testing.T) {
	r := New(Config{})
	bad := &fakeAdapter{name: "v2", err: errors.New("reverted")}
	d, _ := NewDiscovery(r, DiscoveryConfig{Adapters: []pricing.Adapter{bad}, Provider: headProvider{head: 10}})

	if err := d.Ensure(context.Background(), pairUW); !errors.Is(err, ErrDiscoveryFailed) {
		t.Fatalf("expected ErrDiscoveryFailed, got %v", err)
	}
	if got := bad.block.Load(); got != 0 {
		t.Errorf("block below the reorg depth should clamp to 0, got %d", got)
	}
	_ = d.Ensure(context.Background(), pairUW)
	if bad.calls.Load() != 2 {
		t.Error("a failed discovery should not be cached")
	}
}

func TestDiscoveryCoalescesConcurrentCallers(t *testing.T) {
	r := New(Config{})
	slow := &fakeAdapter{name: "v2", ids: []liquidity.PoolID{poolID("v2", 1)}, release: make(chan struct{})}
	d, _ := NewDiscovery(r, DiscoveryConfig{Adapters: []pricing.Adapter{slow}, Provider: headProvider{head: 1000}})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Ensure(context.Background(), pairUW)
		}()
	}

	deadline := time.After(2 * time.Second)
	for slow.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("discovery never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(slow.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Ensure: %v", err)
		}
	}
	if n := slow.calls.Load(); n != 1 {
		t.Errorf("adapter called %d times, want 1", n)
	}
}

func TestDiscoveryCallerCancelDoesNotAbortRun(t *testing.T) {
	r := New(Config{})
	slow := &fakeAdapter{name: "v2", ids: []liquidity.PoolID{poolID("v2", 1)}, release: make(chan struct{})}
	d, _ := NewDiscovery(r, DiscoveryConfig{Adapters: []pricing.Adapter{slow}, Provider: headProvider{head: 1000}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Ensure(ctx, pairUW); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(slow.release)
	deadline := time.After(2 * time.Second)
	for len(r.PoolsFor(pairUW)) == 0 {
		select {
		case <-deadline:
			t.Fatal("detached discovery never registered the pool")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
