package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
)

// ErrNoHead is returned by CurrentBlock before any head is known and no poller is configured.
var ErrNoHead = errors.New("no chain head observed yet")

// Head is a block header as seen by the tracker
type Head struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
}

func headFromHeader(h *types.Header) Head {
	return Head{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
	}
}

// HeaderReader is the polling fallback. ClientPool implements it.
type HeaderReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
}

// HeadSource is a websocket connection that can stream new heads.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a HeadSource for url.
type DialFunc func(ctx context.Context, url string) (HeadSource, error)

func dialEthclient(ctx context.Context, url string) (HeadSource, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// HeadTrackerConfig holds head tracker configuration
type HeadTrackerConfig struct {
	WebSocketURLs []string
	Poller        HeaderReader
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Tracer        observability.Tracer
	Reconnect     resilience.RetryConfig
	PollInterval  time.Duration // default 12s, about one block
	// MaxWSFailures consecutive websocket failures switch the tracker to polling.
	MaxWSFailures int
	// WSRetryInterval is how long to poll before trying websockets again.
	WSRetryInterval time.Duration
	// MessageTimeout drops a subscription that has been silent this long.
	MessageTimeout time.Duration
	Dial           DialFunc
}

// HeadTracker follows the chain head over a websocket subscription, falling back to
// HTTP polling when the subscription keeps failing, and fans heads out to subscribers.
type HeadTracker struct {
	urls            []string
	urlIdx          int
	poller          HeaderReader
	logger          *observability.Logger
	metrics         *observability.Metrics
	tracer          observability.Tracer
	reconnect       resilience.RetryConfig
	pollInterval    time.Duration
	maxWSFailures   int
	wsRetryInterval time.Duration
	messageTimeout  time.Duration
	dial            DialFunc

	wsFailures int // owned by the Run goroutine

	mu        sync.RWMutex
	latest    Head
	hasLatest bool
	subs      map[int]chan Head
	nextSub   int
}

// NewHeadTracker creates a head tracker. At least one of WebSocketURLs or Poller is required.
func NewHeadTracker(cfg HeadTrackerConfig) (*HeadTracker, error) {
	if len(cfg.WebSocketURLs) == 0 && cfg.Poller == nil {
		return nil, fmt.Errorf("head tracker needs a websocket URL or a poller")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.MaxWSFailures <= 0 {
		cfg.MaxWSFailures = 3
	}
	if cfg.WSRetryInterval <= 0 {
		cfg.WSRetryInterval = 10 * cfg.PollInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect = resilience.RetryConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.Dial == nil {
		cfg.Dial = dialEthclient
	}

	return &HeadTracker{
		urls:            cfg.WebSocketURLs,
		poller:          cfg.Poller,
		logger:          cfg.Logger.Component("head_tracker"),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		reconnect:       cfg.Reconnect,
		pollInterval:    cfg.PollInterval,
		maxWSFailures:   cfg.MaxWSFailures,
		wsRetryInterval: cfg.WSRetryInterval,
		messageTimeout:  cfg.MessageTimeout,
		dial:            cfg.Dial,
		subs:            make(map[int]chan Head),
	}, nil
}

// Run follows the head until ctx is cancelled. It returns nil on cancellation.
func (t *HeadTracker) Run(ctx context.Context) error {
	wsMode := len(t.urls) > 0

	for ctx.Err() == nil {
		if !wsMode {
			t.poll(ctx)
			if len(t.urls) > 0 {
				// One websocket attempt; a failure goes straight back to polling.
				t.logger.Info("attempting to switch back to websocket mode")
				t.wsFailures = t.maxWSFailures - 1
				wsMode = true
			}
			continue
		}

		err := t.follow(ctx)
		if ctx.Err() != nil {
			break
		}
		t.wsFailures++
		t.logger.LogWarn(ctx, "head subscription failed", "error", err, "failures", t.wsFailures)

		if t.poller != nil && t.wsFailures >= t.maxWSFailures {
			t.logger.Warn("switching to HTTP polling fallback", "ws_failures", t.wsFailures)
			wsMode = false
			continue
		}

		delay := resilience.Backoff(t.wsFailures-1, t.reconnect)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	t.logger.Info("head tracker stopped")
	return nil
}

// follow dials the current websocket URL and streams heads until the subscription fails.
func (t *HeadTracker) follow(ctx context.Context) error {
	url := t.urls[t.urlIdx]
	src, err := t.dial(ctx, url)
	if err != nil {
		t.urlIdx = (t.urlIdx + 1) % len(t.urls)
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer src.Close()

	headers := make(chan *types.Header, 16)
	sub, err := src.SubscribeNewHead(ctx, headers)
	if err != nil {
		t.urlIdx = (t.urlIdx + 1) % len(t.urls)
		return fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()

	t.logger.Info("subscribed to new heads", "url", url)
	t.metrics.SetHeadSubscribed(ctx, url, true)
	defer t.metrics.SetHeadSubscribed(context.WithoutCancel(ctx), url, false)

	timer := time.NewTimer(t.messageTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("subscription error: %w", err)
			}
			return fmt.Errorf("subscription closed")

		case header := <-headers:
			if header == nil || header.Number == nil {
				continue
			}
			t.wsFailures = 0
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.messageTimeout)
			t.publish(ctx, headFromHeader(header), "ws")

		case <-timer.C:
			return fmt.Errorf("no heads received for %v", t.messageTimeout)
		}
	}
}

// poll reads the head over HTTP every PollInterval. With websocket URLs configured it
// returns after WSRetryInterval so Run can try the subscription again.
func (t *HeadTracker) poll(ctx context.Context) {
	if t.poller == nil {
		return
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if len(t.urls) > 0 {
		retry := time.NewTimer(t.wsRetryInterval)
		defer retry.Stop()
		deadline = retry.C
	}

	t.logger.Info("running in HTTP polling mode", "poll_interval", t.pollInterval.String())
	t.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

func (t *HeadTracker) pollOnce(ctx context.Context) {
	number, err := t.poller.CurrentBlock(ctx)
	if err != nil {
		t.logger.LogError(ctx, "HTTP block number fetch failed", err)
		return
	}

	if last, ok := t.Latest(); ok && number <= last.Number {
		return
	}

	header, err := t.poller.HeaderByNumber(ctx, number)
	if err != nil {
		t.logger.LogError(ctx, "HTTP header fetch failed", err, "block", number)
		return
	}
	t.publish(ctx, headFromHeader(header), "http")
}

// publish records h as the latest head and hands it to every subscriber without blocking.
func (t *HeadTracker) publish(ctx context.Context, h Head, source string) {
	_, span := t.tracer.StartSpan(ctx, "HeadTracker.publish",
		observability.WithAttributes(
			attribute.Int64("block_number", int64(h.Number)),
			attribute.String("source", source),
		),
	)
	defer span.End()

	t.mu.Lock()
	last, had := t.latest, t.hasLatest
	if had && last.Hash == h.Hash {
		t.mu.Unlock()
		return
	}
	t.latest, t.hasLatest = h, true
	t.mu.Unlock()

	var gap uint64
	switch {
	case had && h.Number <= last.Number:
		t.logger.Warn("chain reorganisation detected",
			"previous_block", last.Number,
			"previous_hash", last.Hash.Hex(),
			"new_block", h.Number,
			"new_hash", h.Hash.Hex(),
		)
	case had && h.Number > last.Number+1:
		gap = h.Number - last.Number - 1
		t.logger.Warn("detected block gap",
			"last_block", last.Number,
			"new_block", h.Number,
			"gap_size", gap,
		)
	}
	t.metrics.RecordHead(ctx, gap)

	t.logger.Debug("new head", "block_number", h.Number, "block_hash", h.Hash.Hex(), "source", source)

	// Cancel closes channels under the write lock, so sends happen under the read lock.
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- h:
		default:
			t.logger.Debug("subscriber lagging, dropped head", "block_number", h.Number)
		}
	}
}

// Subscribe returns a channel of new heads and a function that cancels the subscription.
// Slow subscribers miss heads rather than stall the tracker.
func (t *HeadTracker) Subscribe() (<-chan Head, func()) {
	ch := make(chan Head, 16)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			close(ch)
			t.mu.Unlock()
		})
	}
}

// Latest returns the most recent head, if any has been observed.
func (t *HeadTracker) Latest() (Head, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.hasLatest
}

// CurrentBlock returns the latest head's number, asking the poller when no head has
// arrived yet.
func (t *HeadTracker) CurrentBlock(ctx context.Context) (uint64, error) {
	if h, ok := t.Latest(); ok {
		return h.Number, nil
	}
	if t.poller == nil {
		return 0, ErrNoHead
	}
	return t.poller.CurrentBlock(ctx)
}
