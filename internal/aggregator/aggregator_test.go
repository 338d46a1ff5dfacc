package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/orchestrator"
	"github.com/cowprotocol/cow-native-liquidity/internal/pricing"
	"github.com/cowprotocol/cow-native-liquidity/internal/quote"
	"github.com/cowprotocol/cow-native-liquidity/internal/registry"
	"github.com/cowprotocol/cow-native-liquidity/internal/statecache"
	"github.com/ethereum/go-ethereum/common"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	pair = liquidity.MustTokenPair(usdc, weth)
)

func poolID(n int64) liquidity.PoolID {
	return liquidity.NewPoolID("uniswap-v2", common.BigToAddress(big.NewInt(n)))
}

func sell(amount int64) liquidity.Request {
	return liquidity.Request{TokenIn: usdc, TokenOut: weth, Amount: big.NewInt(amount), Kind: liquidity.Sell}
}

type staticCandidates []liquidity.PoolID

func (s staticCandidates) PoolsFor(liquidity.TokenPair) []liquidity.PoolID { return s }

// staticRefresher returns a snapshot at the requested block for every id unless the
// id is listed in errs.
type staticRefresher struct {
	errs map[liquidity.PoolID]error
}

func (r staticRefresher) RefreshAll(_ context.Context, ids []liquidity.PoolID, block uint64, _ time.Duration) map[liquidity.PoolID]orchestrator.Result {
	out := make(map[liquidity.PoolID]orchestrator.Result, len(ids))
	for _, id := range ids {
		if err := r.errs[id]; err != nil {
			out[id] = orchestrator.Result{Err: err}
			continue
		}
		out[id] = orchestrator.Result{Pool: liquidity.Pool{ID: id, Pair: pair, Block: block}}
	}
	return out
}

// fixedPricer returns a preset result or error per pool.
type fixedPricer struct {
	results map[liquidity.PoolID]int64
	errs    map[liquidity.PoolID]error
}

func (p fixedPricer) Quote(pool liquidity.Pool, req liquidity.Request, block uint64) (liquidity.Quote, error) {
	if err := p.errs[pool.ID]; err != nil {
		return liquidity.Quote{}, err
	}
	q := liquidity.Quote{TokenIn: req.TokenIn, TokenOut: req.TokenOut, Kind: req.Kind, Pool: pool.ID, Block: block}
	result := big.NewInt(p.results[pool.ID])
	if req.Kind == liquidity.Sell {
		q.AmountIn, q.AmountOut = req.Amount, result
	} else {
		q.AmountIn, q.AmountOut = result, req.Amount
	}
	return q, nil
}

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) Record(_ context.Context, res Result) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func newAggregator(t *testing.T, ids []liquidity.PoolID, refresher Refresher, pricer Pricer, sinks ...Sink) *Aggregator {
	t.Helper()
	a, err := New(Config{
		Registry:     staticCandidates(ids),
		Orchestrator: refresher,
		Engine:       pricer,
		Sinks:        sinks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestQuoteSelectsBest(t *testing.T) {
	ids := []liquidity.PoolID{poolID(1), poolID(2), poolID(3)}

	tests := []struct {
		name    string
		kind    liquidity.OrderKind
		results map[liquidity.PoolID]int64
		want    liquidity.PoolID
	}{
		{"sell prefers more output", liquidity.Sell, map[liquidity.PoolID]int64{poolID(1): 95, poolID(2): 97, poolID(3): 96}, poolID(2)},
		{"sell tie goes to lowest id", liquidity.Sell, map[liquidity.PoolID]int64{poolID(1): 90, poolID(2): 97, poolID(3): 97}, poolID(2)},
		{"buy prefers less input", liquidity.Buy, map[liquidity.PoolID]int64{poolID(1): 105, poolID(2): 103, poolID(3): 104}, poolID(2)},
		{"buy tie goes to lowest id", liquidity.Buy, map[liquidity.PoolID]int64{poolID(1): 103, poolID(2): 110, poolID(3): 103}, poolID(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAggregator(t, ids, staticRefresher{}, fixedPricer{results: tt.results})
			req := sell(100)
			req.Kind = tt.kind

			q, err := a.Quote(context.Background(), req, 500)
			if err != nil {
				t.Fatalf("Quote: %v", err)
			}
			if q.Pool != tt.want {
				t.Errorf("selected %s, want %s", q.Pool, tt.want)
			}
			if q.Block != 500 {
				t.Errorf("quote block = %d", q.Block)
			}
		})
	}
}

func TestQuoteTieBreakIgnoresCandidateOrder(t *testing.T) {
	results := map[liquidity.PoolID]int64{poolID(1): 97, poolID(2): 97}
	for _, order := range [][]liquidity.PoolID{{poolID(1), poolID(2)}, {poolID(2), poolID(1)}} {
		a := newAggregator(t, order, staticRefresher{}, fixedPricer{results: results})
		q, err := a.Quote(context.Background(), sell(10), 1)
		if err != nil {
			t.Fatalf("Quote: %v", err)
		}
		if q.Pool != poolID(1) {
			t.Errorf("order %v selected %s", order, q.Pool)
		}
	}
}

func TestQuoteExcludesFailedPools(t *testing.T) {
	ids := []liquidity.PoolID{poolID(1), poolID(2), poolID(3)}
	refresher := staticRefresher{errs: map[liquidity.PoolID]error{
		poolID(1): liquidity.NewTimeoutError(poolID(1), 7, nil),
	}}
	pricer := fixedPricer{
		results: map[liquidity.PoolID]int64{poolID(1): 1000, poolID(2): 50, poolID(3): 40},
		errs: map[liquidity.PoolID]error{
			poolID(2): liquidity.NewInvariantError(liquidity.KindConstantProduct, liquidity.ErrInsufficientLiquidity),
		},
	}
	sink := &recordingSink{}
	a := newAggregator(t, ids, refresher, pricer, sink)

	res, err := a.QuoteDetailed(context.Background(), sell(10), 7)
	if err != nil {
		t.Fatalf("QuoteDetailed: %v", err)
	}
	if res.Best.Pool != poolID(3) {
		t.Errorf("selected %s, want the only healthy pool", res.Best.Pool)
	}
	if len(res.Candidates) != 3 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	if !liquidity.IsTimeout(res.Candidates[0].Err) || !errors.Is(res.Candidates[1].Err, liquidity.ErrInvariant) {
		t.Errorf("candidate errors = %v, %v", res.Candidates[0].Err, res.Candidates[1].Err)
	}
	if res.Candidates[0].Error == "" || res.Candidates[2].Quote == nil {
		t.Errorf("candidate details = %+v", res.Candidates)
	}
	if len(sink.results) != 1 || sink.results[0].Best == nil {
		t.Errorf("sink saw %+v", sink.results)
	}
}

func TestQuoteNoLiquidity(t *testing.T) {
	invariant := liquidity.NewInvariantError(liquidity.KindConstantProduct, liquidity.ErrZeroReserves)
	ids := []liquidity.PoolID{poolID(1), poolID(2)}

	tests := []struct {
		name       string
		ids        []liquidity.PoolID
		refresher  staticRefresher
		pricer     fixedPricer
		candidates int
	}{
		{"all invariant errors", ids, staticRefresher{}, fixedPricer{errs: map[liquidity.PoolID]error{poolID(1): invariant, poolID(2): invariant}}, 2},
		{"all fetches failed", ids, staticRefresher{errs: map[liquidity.PoolID]error{
			poolID(1): liquidity.NewTimeoutError(poolID(1), 1, nil),
			poolID(2): &liquidity.FetchError{Pool: poolID(2), Block: 1, Err: errors.New("reverted")},
		}}, fixedPricer{}, 2},
		{"no candidates", nil, staticRefresher{}, fixedPricer{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			a := newAggregator(t, tt.ids, tt.refresher, tt.pricer, sink)

			_, err := a.Quote(context.Background(), sell(10), 1)
			if !errors.Is(err, liquidity.ErrNoLiquidity) {
				t.Fatalf("expected ErrNoLiquidity, got %v", err)
			}
			var nle *liquidity.NoLiquidityError
			if !errors.As(err, &nle) || nle.Candidates != tt.candidates || nle.Pair != pair {
				t.Errorf("NoLiquidityError = %+v", nle)
			}
			if len(nle.Failures) != tt.candidates {
				t.Errorf("failures = %v", nle.Failures)
			}
			if len(sink.results) != 1 || sink.results[0].Err == nil {
				t.Errorf("sink should see the no-liquidity result: %+v", sink.results)
			}
		})
	}
}

func TestQuoteRejectsInvalidRequest(t *testing.T) {
	a := newAggregator(t, []liquidity.PoolID{poolID(1)}, staticRefresher{}, fixedPricer{})

	tests := []struct {
		name string
		req  liquidity.Request
		want error
	}{
		{"zero amount", sell(0), liquidity.ErrInvalidAmount},
		{"same token", liquidity.Request{TokenIn: usdc, TokenOut: usdc, Amount: big.NewInt(1), Kind: liquidity.Sell}, liquidity.ErrSameToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Quote(context.Background(), tt.req, 1)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if errors.Is(err, liquidity.ErrNoLiquidity) {
				t.Error("invalid request is not a no-liquidity outcome")
			}
		})
	}
}

type countingDiscovery struct {
	mu    sync.Mutex
	pairs []liquidity.TokenPair
	err   error
}

func (d *countingDiscovery) Ensure(_ context.Context, p liquidity.TokenPair) error {
	d.mu.Lock()
	d.pairs = append(d.pairs, p)
	d.mu.Unlock()
	return d.err
}

type headBlock uint64

func (h headBlock) CurrentBlock(context.Context) (uint64, error) { return uint64(h), nil }

func TestQuoteLatestUsesCurrentBlockAndDiscovers(t *testing.T) {
	disc := &countingDiscovery{err: errors.New("subgraph down")}
	a, _ := New(Config{
		Registry:     staticCandidates{poolID(1)},
		Discovery:    disc,
		Orchestrator: staticRefresher{},
		Engine:       fixedPricer{results: map[liquidity.PoolID]int64{poolID(1): 5}},
		Blocks:       headBlock(1234),
	})

	req := liquidity.Request{TokenIn: weth, TokenOut: usdc, Amount: big.NewInt(10), Kind: liquidity.Sell}
	res, err := a.QuoteLatest(context.Background(), req)
	if err != nil {
		t.Fatalf("QuoteLatest: %v", err)
	}
	if res.Block != 1234 || res.Best.Block != 1234 {
		t.Errorf("quoted at block %d", res.Block)
	}
	if len(disc.pairs) != 1 || disc.pairs[0] != pair {
		t.Errorf("discovery saw %v, want the canonical pair", disc.pairs)
	}
}

// v2Fetcher serves constant product snapshots from fixed reserves.
type v2Fetcher map[liquidity.PoolID][2]int64

func (f v2Fetcher) FetchState(_ context.Context, _ chain.Provider, id liquidity.PoolID, block uint64) (liquidity.Pool, error) {
	r, ok := f[id]
	if !ok {
		return liquidity.Pool{}, &liquidity.ProviderError{Op: "getReserves", Err: errors.New("execution reverted")}
	}
	return liquidity.Pool{
		ID:    id,
		Pair:  pair,
		Block: block,
		State: &liquidity.ConstantProductState{Reserve0: big.NewInt(r[0]), Reserve1: big.NewInt(r[1]), FeeBps: 30},
	}, nil
}

type nopProvider struct{}

func (nopProvider) CurrentBlock(context.Context) (uint64, error) { return 0, nil }
func (nopProvider) Call(context.Context, common.Address, []byte, uint64) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

func TestQuoteEndToEnd(t *testing.T) {
	shallow, deep, broken := poolID(1), poolID(2), poolID(3)
	fetcher := v2Fetcher{
		shallow: {1000, 1000},
		deep:    {1_000_000, 1_000_000},
	}

	reg := registry.New(registry.Config{FailureThreshold: 2})
	for _, id := range []liquidity.PoolID{shallow, deep, broken} {
		reg.Register(pair, id)
	}
	cache, err := statecache.New(statecache.Config{Fetcher: fetcher, Provider: nopProvider{}, Capacity: 16})
	if err != nil {
		t.Fatalf("statecache.New: %v", err)
	}
	orch, _ := orchestrator.New(orchestrator.Config{Source: cache, Health: reg})
	v2, _ := pricing.NewConstantProduct(pricing.SourceConfig{Name: "uniswap-v2", Pools: []common.Address{common.HexToAddress("0x01")}})
	set, _ := pricing.NewSet(v2)
	a, _ := New(Config{Registry: reg, Orchestrator: orch, Engine: quote.NewEngine(set)})

	// 1000 in gives 499 from the shallow pool and 996 from the deep one
	for i := range 2 {
		q, err := a.Quote(context.Background(), sell(1000), uint64(100+i))
		if err != nil {
			t.Fatalf("Quote: %v", err)
		}
		if q.Pool != deep || q.AmountOut.Int64() != 996 {
			t.Errorf("quote = %s from %s", q.AmountOut, q.Pool)
		}
	}
	if got, ok := cache.Get(shallow, 100); !ok || got.Block != 100 {
		t.Error("shallow pool snapshot should be cached")
	}
	if ids := reg.PoolsFor(pair); len(ids) != 2 {
		t.Errorf("broken pool should be demoted after two failures, PoolsFor = %v", ids)
	}
}

// countingPins tracks pins that have not been released yet.
type countingPins struct {
	mu       sync.Mutex
	held     map[liquidity.PoolID]int
	pinned   int
	released int
}

func (p *countingPins) Pin(id liquidity.PoolID, _ uint64) (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held[id]++
	p.pinned++
	return func() {
		p.mu.Lock()
		p.held[id]--
		p.released++
		p.mu.Unlock()
	}, true
}

// pinCheckingPricer fails the quote of any pool whose snapshot is not pinned.
type pinCheckingPricer struct {
	fixedPricer
	pins *countingPins
}

func (p pinCheckingPricer) Quote(pool liquidity.Pool, req liquidity.Request, block uint64) (liquidity.Quote, error) {
	p.pins.mu.Lock()
	held := p.pins.held[pool.ID]
	p.pins.mu.Unlock()
	if held == 0 {
		return liquidity.Quote{}, errors.New("priced an unpinned snapshot")
	}
	return p.fixedPricer.Quote(pool, req, block)
}

func TestQuotePinsSnapshotsWhilePricing(t *testing.T) {
	ids := []liquidity.PoolID{poolID(1), poolID(2), poolID(3)}
	pins := &countingPins{held: map[liquidity.PoolID]int{}}
	refresher := staticRefresher{errs: map[liquidity.PoolID]error{
		poolID(3): liquidity.NewTimeoutError(poolID(3), 9, nil),
	}}
	pricer := pinCheckingPricer{
		fixedPricer: fixedPricer{results: map[liquidity.PoolID]int64{poolID(1): 10, poolID(2): 20}},
		pins:        pins,
	}
	a, err := New(Config{
		Registry:     staticCandidates(ids),
		Orchestrator: refresher,
		Engine:       pricer,
		Pins:         pins,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q, err := a.Quote(context.Background(), sell(100), 9)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Pool != poolID(2) {
		t.Errorf("selected %s", q.Pool)
	}
	if pins.pinned != 2 {
		t.Errorf("pinned %d snapshots, want the 2 fetched", pins.pinned)
	}
	if pins.released != pins.pinned {
		t.Errorf("released %d of %d pins", pins.released, pins.pinned)
	}
}
