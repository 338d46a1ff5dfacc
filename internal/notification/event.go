package notification

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/aggregator"
	"github.com/cowprotocol/cow-native-liquidity/internal/money"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenDecimals looks up the decimals of known tokens. The token registry implements it.
type TokenDecimals interface {
	Decimals(token common.Address) (int, bool)
}

// QuoteEvent is the message published for a finished aggregation. The same shape is
// stored by the archiver.
type QuoteEvent struct {
	EventID    string    `json:"event_id" dynamodbav:"event_id"`
	Status     string    `json:"status" dynamodbav:"status"`
	Pair       string    `json:"pair" dynamodbav:"pair"`
	Block      uint64    `json:"block" dynamodbav:"block"`
	Kind       string    `json:"kind" dynamodbav:"kind"`
	TokenIn    string    `json:"token_in" dynamodbav:"token_in"`
	TokenOut   string    `json:"token_out" dynamodbav:"token_out"`
	Amount     string    `json:"amount" dynamodbav:"amount"`
	AmountIn   string    `json:"amount_in,omitempty" dynamodbav:"amount_in,omitempty"`
	AmountOut  string    `json:"amount_out,omitempty" dynamodbav:"amount_out,omitempty"`
	Price      string    `json:"price,omitempty" dynamodbav:"price,omitempty"`
	Pool       string    `json:"pool,omitempty" dynamodbav:"pool,omitempty"`
	Candidates int       `json:"candidates" dynamodbav:"candidates"`
	Failed     int       `json:"failed" dynamodbav:"failed"`
	Error      string    `json:"error,omitempty" dynamodbav:"error,omitempty"`
	DurationMs int64     `json:"duration_ms" dynamodbav:"duration_ms"`
	Timestamp  time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// NewQuoteEvent builds the event for res. Price is set only when both token decimals
// are known.
func NewQuoteEvent(res aggregator.Result, tokens TokenDecimals, now time.Time) QuoteEvent {
	req := res.Request
	ev := QuoteEvent{
		Status:     res.Status(),
		Pair:       res.Pair.String(),
		Block:      res.Block,
		Kind:       string(req.Kind),
		TokenIn:    req.TokenIn.Hex(),
		TokenOut:   req.TokenOut.Hex(),
		Candidates: len(res.Candidates),
		Failed:     res.Failed(),
		DurationMs: res.Duration.Milliseconds(),
		Timestamp:  now.UTC(),
	}
	if req.Amount != nil {
		ev.Amount = req.Amount.String()
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}

	if best := res.Best; best != nil {
		ev.AmountIn = best.AmountIn.String()
		ev.AmountOut = best.AmountOut.String()
		ev.Pool = best.Pool.String()
		if tokens != nil {
			decIn, okIn := tokens.Decimals(best.TokenIn)
			decOut, okOut := tokens.Decimals(best.TokenOut)
			if okIn && okOut {
				ev.Price = money.EffectivePrice(best.AmountIn, decIn, best.AmountOut, decOut).String()
			}
		}
	}

	digest := crypto.Keccak256Hash([]byte(ev.Pair + ev.Kind + ev.TokenIn + ev.Amount + strconv.FormatInt(now.UnixNano(), 10)))
	ev.EventID = fmt.Sprintf("quote-%d-%s", res.Block, digest.Hex()[2:18])
	return ev
}

// Attributes returns the SNS message attributes subscribers filter on.
func (e QuoteEvent) Attributes() map[string]string {
	return map[string]string{
		"status": e.Status,
		"kind":   e.Kind,
		"pair":   e.Pair,
		"block":  strconv.FormatUint(e.Block, 10),
	}
}
