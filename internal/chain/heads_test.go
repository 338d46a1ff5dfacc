package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
)

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errCh: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSubscription) Err() <-chan error { return s.errCh }

// fakeHeadSource hands the subscriber's header channel to the test.
type fakeHeadSource struct {
	subscribed chan chan<- *types.Header
}

func (f *fakeHeadSource) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.subscribed <- ch
	return newFakeSubscription(), nil
}

func (f *fakeHeadSource) Close() {}

type fakePoller struct {
	mu     sync.Mutex
	number uint64
	reads  int
}

func (p *fakePoller) CurrentBlock(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.number, nil
}

func (p *fakePoller) HeaderByNumber(_ context.Context, number uint64) (*types.Header, error) {
	return testHeader(number), nil
}

func testHeader(number uint64) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Difficulty: big.NewInt(0),
		Time:       1700000000 + number*12,
	}
}

func receiveHead(t *testing.T, ch <-chan Head) Head {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for head")
		return Head{}
	}
}

func TestNewHeadTracker_Validation(t *testing.T) {
	logger := observability.NewLogger("error", "json")

	if _, err := NewHeadTracker(HeadTrackerConfig{Logger: logger}); err == nil {
		t.Error("expected error without URLs or poller")
	}
	if _, err := NewHeadTracker(HeadTrackerConfig{WebSocketURLs: []string{"ws://localhost:8546"}}); err == nil {
		t.Error("expected error without logger")
	}

	tracker, err := NewHeadTracker(HeadTrackerConfig{WebSocketURLs: []string{"ws://localhost:8546"}, Logger: logger})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}
	if tracker.pollInterval != 12*time.Second {
		t.Errorf("default poll interval = %v", tracker.pollInterval)
	}
	if tracker.maxWSFailures != 3 {
		t.Errorf("default maxWSFailures = %d", tracker.maxWSFailures)
	}
	if tracker.wsRetryInterval != 120*time.Second {
		t.Errorf("default ws retry interval = %v", tracker.wsRetryInterval)
	}
}

func TestHeadTracker_FollowsWebSocket(t *testing.T) {
	src := &fakeHeadSource{subscribed: make(chan chan<- *types.Header, 1)}
	tracker, err := NewHeadTracker(HeadTrackerConfig{
		WebSocketURLs: []string{"ws://node"},
		Logger:        observability.NewLogger("error", "json"),
		Dial: func(context.Context, string) (HeadSource, error) {
			return src, nil
		},
	})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}

	heads, cancelSub := tracker.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	var headers chan<- *types.Header
	select {
	case headers = <-src.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker never subscribed")
	}

	headers <- testHeader(100)
	headers <- testHeader(103)

	if h := receiveHead(t, heads); h.Number != 100 {
		t.Errorf("first head = %d, want 100", h.Number)
	}
	if h := receiveHead(t, heads); h.Number != 103 {
		t.Errorf("second head = %d, want 103", h.Number)
	}

	block, err := tracker.CurrentBlock(context.Background())
	if err != nil || block != 103 {
		t.Errorf("CurrentBlock = %d, %v; want 103", block, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestHeadTracker_FallsBackToPolling(t *testing.T) {
	poller := &fakePoller{number: 42}
	tracker, err := NewHeadTracker(HeadTrackerConfig{
		WebSocketURLs:   []string{"ws://down"},
		Poller:          poller,
		Logger:          observability.NewLogger("error", "json"),
		MaxWSFailures:   2,
		PollInterval:    10 * time.Millisecond,
		WSRetryInterval: time.Hour,
		Reconnect:       resilience.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Dial: func(context.Context, string) (HeadSource, error) {
			return nil, errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}

	heads, cancelSub := tracker.Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tracker.Run(ctx) }()

	if h := receiveHead(t, heads); h.Number != 42 {
		t.Fatalf("polled head = %d, want 42", h.Number)
	}

	// Unchanged block numbers are not republished.
	select {
	case h := <-heads:
		t.Fatalf("unexpected duplicate head %d", h.Number)
	case <-time.After(50 * time.Millisecond):
	}

	poller.mu.Lock()
	poller.number = 43
	poller.mu.Unlock()
	if h := receiveHead(t, heads); h.Number != 43 {
		t.Errorf("polled head = %d, want 43", h.Number)
	}
}

func TestHeadTracker_PublishDedupAndReorg(t *testing.T) {
	tracker, err := NewHeadTracker(HeadTrackerConfig{
		Poller: &fakePoller{},
		Logger: observability.NewLogger("error", "json"),
	})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}
	heads, cancelSub := tracker.Subscribe()
	defer cancelSub()

	ctx := context.Background()
	first := headFromHeader(testHeader(10))
	tracker.publish(ctx, first, "test")
	tracker.publish(ctx, first, "test")

	if h := receiveHead(t, heads); h != first {
		t.Errorf("got %+v", h)
	}
	select {
	case h := <-heads:
		t.Fatalf("duplicate head delivered: %+v", h)
	default:
	}

	reorged := testHeader(10)
	reorged.Extra = []byte("sibling")
	sibling := headFromHeader(reorged)
	tracker.publish(ctx, sibling, "test")

	if h := receiveHead(t, heads); h.Hash != sibling.Hash {
		t.Errorf("reorg head not delivered")
	}
	if latest, _ := tracker.Latest(); latest.Hash != sibling.Hash {
		t.Errorf("latest = %s, want %s", latest.Hash, sibling.Hash)
	}
}

func TestHeadTracker_CurrentBlockWithoutHead(t *testing.T) {
	tracker, err := NewHeadTracker(HeadTrackerConfig{
		WebSocketURLs: []string{"ws://node"},
		Logger:        observability.NewLogger("error", "json"),
	})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}
	if _, err := tracker.CurrentBlock(context.Background()); !errors.Is(err, ErrNoHead) {
		t.Errorf("expected ErrNoHead, got %v", err)
	}

	tracker.poller = &fakePoller{number: 7}
	if block, err := tracker.CurrentBlock(context.Background()); err != nil || block != 7 {
		t.Errorf("CurrentBlock = %d, %v; want 7 from poller", block, err)
	}
}

func TestHeadTracker_SubscribeCancel(t *testing.T) {
	tracker, err := NewHeadTracker(HeadTrackerConfig{Poller: &fakePoller{}, Logger: observability.NewLogger("error", "json")})
	if err != nil {
		t.Fatalf("NewHeadTracker: %v", err)
	}

	heads, cancelSub := tracker.Subscribe()
	cancelSub()
	cancelSub()

	if _, ok := <-heads; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic.
	tracker.publish(context.Background(), headFromHeader(testHeader(1)), "test")
}
