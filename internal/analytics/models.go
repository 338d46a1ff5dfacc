package analytics

import "time"

// QuoteRecord is one finished aggregation.
type QuoteRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Status     string `gorm:"index" json:"status"`
	Pair       string `gorm:"index:idx_pair_block" json:"pair"`
	Block      uint64 `gorm:"index:idx_pair_block" json:"block"`
	Kind       string `json:"kind"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	Amount     string `json:"amount"`
	AmountIn   string `json:"amount_in,omitempty"`
	AmountOut  string `json:"amount_out,omitempty"`
	Price      string `json:"price,omitempty"` // tokenOut per tokenIn, when decimals are known
	Pool       string `gorm:"index" json:"pool,omitempty"`
	Candidates int    `json:"candidates"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Outcomes []CandidateRecord `gorm:"foreignKey:QuoteID" json:"outcomes,omitempty"`
}

// CandidateRecord is how one pool fared for a QuoteRecord.
type CandidateRecord struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	QuoteID uint   `gorm:"index" json:"-"`
	Pool    string `gorm:"index" json:"pool"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PoolStat summarises how often a pool served the best quote.
type PoolStat struct {
	Pool string `json:"pool"`
	Wins int64  `json:"wins"`
}
