package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/aggregator"
	"github.com/cowprotocol/cow-native-liquidity/internal/analytics"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/money"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/config"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/registry"
	"github.com/shopspring/decimal"
)

// quoter is the aggregator surface used by the API.
type quoter interface {
	QuoteDetailed(ctx context.Context, req liquidity.Request, block uint64) (aggregator.Result, error)
	QuoteLatest(ctx context.Context, req liquidity.Request) (aggregator.Result, error)
}

type poolIndex interface {
	Known(pair liquidity.TokenPair) []liquidity.PoolID
	Status(id liquidity.PoolID) (registry.PoolStatus, bool)
}

// discoverer re-runs pool discovery for a pair ignoring its TTL.
type discoverer interface {
	Refresh(ctx context.Context, pair liquidity.TokenPair) error
}

type snapshotIndex interface {
	Latest(id liquidity.PoolID) (liquidity.Pool, bool)
}

type tokenResolver interface {
	Lookup(ref string) (config.TokenInfo, error)
}

type quoteHistory interface {
	RecentQuotes(ctx context.Context, pair string, limit int) ([]analytics.QuoteRecord, error)
	PoolStats(ctx context.Context, since time.Time) ([]analytics.PoolStat, error)
}

// api serves the quoting endpoints. History, Stats and Discovery are optional.
type api struct {
	quoter         quoter
	pools          poolIndex
	discovery      discoverer
	snapshots      snapshotIndex
	tokens         tokenResolver
	history        quoteHistory
	stats          func() any
	ready          func(ctx context.Context) (map[string]any, bool)
	requestTimeout time.Duration
	logger         *observability.Logger
	metrics        *observability.Metrics
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/quote", a.handleQuote)
	mux.HandleFunc("GET /v1/pools", a.handlePools)
	if a.discovery != nil {
		mux.HandleFunc("POST /v1/pools/refresh", a.handleRefreshPools)
	}
	mux.HandleFunc("GET /v1/stats", a.handleStats)
	mux.HandleFunc("GET /v1/history/quotes", a.handleRecentQuotes)
	mux.HandleFunc("GET /v1/history/pools", a.handlePoolStats)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /ready", a.handleReady)
	mux.Handle("GET /metrics", a.metrics.Handler())
	return mux
}

type apiError struct {
	Error string `json:"error"`
}

type quoteResponse struct {
	aggregator.Result
	Display *quoteDisplay `json:"display,omitempty"`
}

// quoteDisplay renders the best quote in token units.
type quoteDisplay struct {
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
	Price     string `json:"price"`
}

func (a *api) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sell, err := a.tokens.Lookup(q.Get("sell_token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sell_token: %w", err))
		return
	}
	buy, err := a.tokens.Lookup(q.Get("buy_token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("buy_token: %w", err))
		return
	}
	kind := liquidity.Sell
	if k := q.Get("kind"); k != "" {
		if kind, err = liquidity.ParseOrderKind(k); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	fixed := sell
	if kind == liquidity.Buy {
		fixed = buy
	}
	amount, err := parseAmount(q.Get("amount"), q.Get("amount_units"), fixed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := liquidity.Request{TokenIn: sell.Address, TokenOut: buy.Address, Amount: amount, Kind: kind}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()

	var res aggregator.Result
	if b := q.Get("block"); b != "" {
		block, perr := strconv.ParseUint(b, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid block %q", b))
			return
		}
		res, err = a.quoter.QuoteDetailed(ctx, req, block)
	} else {
		res, err = a.quoter.QuoteLatest(ctx, req)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, quoteResponse{Result: res, Display: display(res.Best, sell, buy)})
	case errors.Is(err, liquidity.ErrNoLiquidity):
		writeJSON(w, http.StatusNotFound, struct {
			apiError
			quoteResponse
		}{apiError{err.Error()}, quoteResponse{Result: res}})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		a.logger.LogError(r.Context(), "quote failed", err, "pair", res.Pair.String())
		writeError(w, http.StatusBadGateway, err)
	}
}

// parseAmount reads a raw integer amount or, with units, a decimal amount in the
// token's units.
func parseAmount(raw, units string, token config.TokenInfo) (*big.Int, error) {
	switch {
	case raw != "" && units != "":
		return nil, fmt.Errorf("amount and amount_units are exclusive")
	case raw != "":
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", raw)
		}
		return v, nil
	case units != "":
		if token.Decimals < 0 {
			return nil, fmt.Errorf("amount_units needs a token with known decimals")
		}
		return money.ParseUnits(units, token.Decimals)
	default:
		return nil, fmt.Errorf("amount is required")
	}
}

func display(best *liquidity.Quote, sell, buy config.TokenInfo) *quoteDisplay {
	if best == nil || sell.Decimals < 0 || buy.Decimals < 0 {
		return nil
	}
	return &quoteDisplay{
		AmountIn:  money.FormatUnits(best.AmountIn, sell.Decimals),
		AmountOut: money.FormatUnits(best.AmountOut, buy.Decimals),
		Price:     money.EffectivePrice(best.AmountIn, sell.Decimals, best.AmountOut, buy.Decimals).String(),
	}
}

type poolView struct {
	ID                  liquidity.PoolID `json:"id"`
	Kind                liquidity.Kind   `json:"kind,omitempty"`
	Block               uint64           `json:"block,omitempty"`
	FeeBps              string           `json:"fee_bps,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Unreachable         bool             `json:"unreachable"`
	LastError           string           `json:"last_error,omitempty"`
}

func (a *api) handlePools(w http.ResponseWriter, r *http.Request) {
	pair, ok := a.pairParam(w, r)
	if !ok {
		return
	}
	a.writePools(w, pair)
}

func (a *api) handleRefreshPools(w http.ResponseWriter, r *http.Request) {
	pair, ok := a.pairParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.requestTimeout)
	defer cancel()
	if err := a.discovery.Refresh(ctx, pair); err != nil {
		a.logger.LogWarn(ctx, "pool discovery failed", "pair", pair.String(), "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writePools(w, pair)
}

// pairParam resolves the token0 and token1 query parameters, answering 400 when
// either is unknown.
func (a *api) pairParam(w http.ResponseWriter, r *http.Request) (liquidity.TokenPair, bool) {
	q := r.URL.Query()
	t0, err := a.tokens.Lookup(q.Get("token0"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("token0: %w", err))
		return liquidity.TokenPair{}, false
	}
	t1, err := a.tokens.Lookup(q.Get("token1"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("token1: %w", err))
		return liquidity.TokenPair{}, false
	}
	pair, err := liquidity.NewTokenPair(t0.Address, t1.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return liquidity.TokenPair{}, false
	}
	return pair, true
}

func (a *api) writePools(w http.ResponseWriter, pair liquidity.TokenPair) {
	ids := a.pools.Known(pair)
	views := make([]poolView, 0, len(ids))
	for _, id := range ids {
		v := poolView{ID: id}
		if st, ok := a.pools.Status(id); ok {
			v.ConsecutiveFailures = st.ConsecutiveFailures
			v.Unreachable = st.Unreachable
			v.LastError = st.LastError
		}
		if snap, ok := a.snapshots.Latest(id); ok {
			v.Kind = snap.Kind()
			v.Block = snap.Block
			if fee, ok := feeBps(snap.State); ok {
				v.FeeBps = fee.String()
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pair": pair, "pools": views})
}

// feeBps normalises each kind's fee encoding to basis points.
func feeBps(state liquidity.State) (decimal.Decimal, bool) {
	switch s := state.(type) {
	case *liquidity.ConstantProductState:
		return decimal.NewFromInt(int64(s.FeeBps)), true
	case *liquidity.WeightedState:
		return money.FractionToBPS(s.SwapFee, big.NewInt(1e18)), true
	case *liquidity.StableSwapState:
		return money.FractionToBPS(s.Fee, big.NewInt(1e10)), true
	case *liquidity.ConcentratedState:
		return money.PipsToBPS(s.FeePips), true
	}
	return decimal.Zero, false
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.stats())
}

func (a *api) handleRecentQuotes(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotFound, errors.New("analytics is disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := a.history.RecentQuotes(r.Context(), r.URL.Query().Get("pair"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotFound, errors.New("analytics is disabled"))
		return
	}
	window := 24 * time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window %q", s))
			return
		}
		window = d
	}
	stats, err := a.history.PoolStats(r.Context(), time.Now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleReady(w http.ResponseWriter, r *http.Request) {
	body, ok := a.ready(r.Context())
	status := http.StatusOK
	body["status"] = "ready"
	if !ok {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}
