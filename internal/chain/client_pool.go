package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
)

// ErrNoHealthyEndpoint is returned when every endpoint is down or its breaker is open.
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

// EndpointConfig represents endpoint configuration
type EndpointConfig struct {
	URL               string
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
}

// ClientPoolConfig holds client pool configuration
type ClientPoolConfig struct {
	Endpoints           []EndpointConfig
	Logger              *observability.Logger
	Metrics             *observability.Metrics
	HealthCheckInterval time.Duration
	CallTimeout         time.Duration
	BatchSize           int
	Retry               resilience.RetryConfig
	Breaker             resilience.BreakerConfig
}

// rpcEndpoint is a single JSON-RPC endpoint with its own breaker and limiter
type rpcEndpoint struct {
	url     string
	healthy atomic.Bool
	breaker *resilience.CircuitBreaker[struct{}]
	limiter *resilience.RateLimiter

	mu  sync.RWMutex
	rpc *rpc.Client
	eth *ethclient.Client
}

func (ep *rpcEndpoint) clients() (*rpc.Client, *ethclient.Client) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.rpc, ep.eth
}

func (ep *rpcEndpoint) connect(ctx context.Context) error {
	rc, err := rpc.DialContext(ctx, ep.url)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	ep.rpc = rc
	ep.eth = ethclient.NewClient(rc)
	ep.mu.Unlock()
	return nil
}

func (ep *rpcEndpoint) close() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.rpc != nil {
		ep.rpc.Close()
		ep.rpc = nil
		ep.eth = nil
	}
}

// ClientPool spreads reads over several JSON-RPC endpoints with round-robin selection,
// health checks, per-endpoint circuit breakers and rate limits, and retries across
// endpoints for transport failures. It implements Provider and BatchCaller.
type ClientPool struct {
	endpoints []*rpcEndpoint
	next      atomic.Uint64
	logger    *observability.Logger
	metrics   *observability.Metrics

	healthCheckInterval time.Duration
	callTimeout         time.Duration
	batchSize           int
	retry               resilience.RetryConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClientPool dials every endpoint. Endpoints that fail to dial start unhealthy and
// are retried by the health check; at least one must connect.
func NewClientPool(ctx context.Context, cfg ClientPoolConfig) (*ClientPool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.Retry.Retryable = func(err error) bool {
		return errors.Is(err, resilience.ErrCircuitOpen) || resilience.IsRetryable(err)
	}

	cp := &ClientPool{
		logger:              cfg.Logger.Component("client_pool"),
		metrics:             cfg.Metrics,
		healthCheckInterval: cfg.HealthCheckInterval,
		callTimeout:         cfg.CallTimeout,
		batchSize:           cfg.BatchSize,
		retry:               cfg.Retry,
		stop:                make(chan struct{}),
	}

	for _, epCfg := range cfg.Endpoints {
		ep := &rpcEndpoint{
			url:     epCfg.URL,
			limiter: resilience.NewRateLimiter(epCfg.RequestsPerSecond, epCfg.Burst),
		}

		breakerCfg := cfg.Breaker
		if breakerCfg.FailureThreshold == 0 {
			breakerCfg = resilience.DefaultConfig("")
		}
		breakerCfg.Name = "rpc:" + epCfg.URL
		breakerCfg.IsFailure = resilience.IsRetryable
		breakerCfg.OnStateChange = cp.onBreakerChange
		ep.breaker = resilience.NewCircuitBreaker[struct{}](breakerCfg)

		if err := ep.connect(ctx); err != nil {
			cp.logger.LogError(ctx, "failed to connect to RPC endpoint", err, "url", epCfg.URL)
		} else {
			ep.healthy.Store(true)
			cp.logger.Info("connected to RPC endpoint", "url", epCfg.URL)
		}
		cp.endpoints = append(cp.endpoints, ep)
	}

	if cp.HealthyEndpointCount() == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	return cp, nil
}

func (cp *ClientPool) onBreakerChange(name string, from, to resilience.State) {
	cp.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	cp.metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
}

// Start runs periodic health checks until ctx is done or Close is called.
func (cp *ClientPool) Start(ctx context.Context) {
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		ticker := time.NewTicker(cp.healthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cp.stop:
				return
			case <-ticker.C:
				cp.checkAllEndpoints(ctx)
			}
		}
	}()
}

// pick returns the next healthy endpoint whose breaker is not open.
func (cp *ClientPool) pick() (*rpcEndpoint, error) {
	n := len(cp.endpoints)
	start := cp.next.Add(1) - 1
	for i := 0; i < n; i++ {
		ep := cp.endpoints[(start+uint64(i))%uint64(n)]
		if !ep.healthy.Load() || ep.breaker.State() == resilience.StateOpen {
			continue
		}
		if _, eth := ep.clients(); eth != nil {
			return ep, nil
		}
	}
	return nil, ErrNoHealthyEndpoint
}

// execute runs fn against one endpoint per attempt, moving to the next endpoint on
// retryable failures.
func (cp *ClientPool) execute(ctx context.Context, method string, fn func(context.Context, *rpcEndpoint) error) error {
	return resilience.Retry(ctx, cp.retry, func(ctx context.Context) error {
		ep, err := cp.pick()
		if err != nil {
			return err
		}
		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cp.callTimeout)
		defer cancel()

		start := time.Now()
		_, err = ep.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(callCtx, ep)
		})
		cp.metrics.RecordRPCCall(ctx, ep.url, method, time.Since(start), err)

		switch {
		case err == nil:
			ep.limiter.RecordSuccess()
		case resilience.IsRateLimited(err):
			ep.limiter.RecordRateLimited()
			cp.logger.LogWarn(ctx, "RPC endpoint rate limited", "url", ep.url, "method", method)
		}
		return err
	})
}

// CurrentBlock returns the latest block number from a healthy endpoint
func (cp *ClientPool) CurrentBlock(ctx context.Context) (uint64, error) {
	var number uint64
	err := cp.execute(ctx, "eth_blockNumber", func(ctx context.Context, ep *rpcEndpoint) error {
		_, eth := ep.clients()
		n, err := eth.BlockNumber(ctx)
		number = n
		return err
	})
	return number, err
}

// HeaderByNumber returns the header of block number
func (cp *ClientPool) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := cp.execute(ctx, "eth_getBlockByNumber", func(ctx context.Context, ep *rpcEndpoint) error {
		_, eth := ep.clients()
		h, err := eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		header = h
		return err
	})
	return header, err
}

// Call executes eth_call at block
func (cp *ClientPool) Call(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	var out []byte
	err := cp.execute(ctx, "eth_call", func(ctx context.Context, ep *rpcEndpoint) error {
		_, eth := ep.clients()
		res, err := eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(block))
		out = res
		return err
	})
	return out, err
}

// BatchCall sends calls as JSON-RPC batches of at most BatchSize elements. Reverts
// land in the matching CallResult; a failed round trip fails the whole call.
func (cp *ClientPool) BatchCall(ctx context.Context, calls []Call, block uint64) ([]CallResult, error) {
	results := make([]CallResult, 0, len(calls))
	blockArg := hexutil.EncodeUint64(block)

	for start := 0; start < len(calls); start += cp.batchSize {
		chunk := calls[start:min(start+cp.batchSize, len(calls))]

		var elems []rpc.BatchElem
		err := cp.execute(ctx, "eth_call_batch", func(ctx context.Context, ep *rpcEndpoint) error {
			elems = make([]rpc.BatchElem, len(chunk))
			for i, c := range chunk {
				elems[i] = rpc.BatchElem{
					Method: "eth_call",
					Args: []interface{}{
						map[string]interface{}{"to": c.To, "data": hexutil.Bytes(c.Data)},
						blockArg,
					},
					Result: new(hexutil.Bytes),
				}
			}
			rc, _ := ep.clients()
			return rc.BatchCallContext(ctx, elems)
		})
		if err != nil {
			return nil, err
		}

		for _, elem := range elems {
			if elem.Error != nil {
				results = append(results, CallResult{Err: elem.Error})
				continue
			}
			results = append(results, CallResult{Data: *elem.Result.(*hexutil.Bytes)})
		}
	}

	return results, nil
}

// checkAllEndpoints checks health of all endpoints concurrently
func (cp *ClientPool) checkAllEndpoints(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, cp.callTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range cp.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp.checkEndpoint(checkCtx, ep)
		}()
	}
	wg.Wait()
}

// checkEndpoint reconnects a dropped endpoint and probes it with eth_blockNumber
func (cp *ClientPool) checkEndpoint(ctx context.Context, ep *rpcEndpoint) {
	if _, eth := ep.clients(); eth == nil {
		if err := ep.connect(ctx); err != nil {
			ep.healthy.Store(false)
			cp.metrics.RecordRPCEndpointHealth(ctx, ep.url, false)
			return
		}
		cp.logger.Info("reconnected to RPC endpoint", "url", ep.url)
	}

	_, eth := ep.clients()
	if _, err := eth.BlockNumber(ctx); err != nil {
		// A cancelled check says nothing about the endpoint.
		if ctx.Err() != nil {
			cp.logger.Debug("RPC health check interrupted", "url", ep.url, "error", err.Error())
			return
		}
		if ep.healthy.Swap(false) {
			cp.logger.LogError(ctx, "RPC endpoint health check failed", err, "url", ep.url)
		}
		cp.metrics.RecordRPCEndpointHealth(ctx, ep.url, false)
		ep.close()
		return
	}

	if !ep.healthy.Swap(true) {
		cp.logger.Info("RPC endpoint is now healthy", "url", ep.url)
	}
	cp.metrics.RecordRPCEndpointHealth(ctx, ep.url, true)
}

// HealthyEndpointCount returns the number of healthy endpoints
func (cp *ClientPool) HealthyEndpointCount() int {
	count := 0
	for _, ep := range cp.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// EndpointStatus returns the health of every endpoint keyed by URL
func (cp *ClientPool) EndpointStatus() map[string]bool {
	status := make(map[string]bool, len(cp.endpoints))
	for _, ep := range cp.endpoints {
		status[ep.url] = ep.healthy.Load()
	}
	return status
}

// Close stops health checks and closes all client connections
func (cp *ClientPool) Close() {
	cp.stopOnce.Do(func() { close(cp.stop) })
	cp.wg.Wait()
	for _, ep := range cp.endpoints {
		ep.close()
	}
	cp.logger.Info("closed all RPC client connections")
}
