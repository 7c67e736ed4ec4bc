package venue

import (
	"context"

	"github.com/shopspring/decimal"
)

// Quote is a priced offer from a liquidity source. Quotes are ephemeral and
// never persisted; only the selected route and executed price survive on the
// order record.
type Quote struct {
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	EstimatedGas decimal.Decimal `json:"estimatedGas"`
}

type SwapResult struct {
	TxHash        string          `json:"txHash"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	ActualAmount  decimal.Decimal `json:"actualAmount"`
	GasUsed       decimal.Decimal `json:"gasUsed"`
}

// Source is an external venue capable of quoting and executing a swap.
// Both calls are network-bound and may fail transiently; ExecuteSwap is
// irreversible and may fail after taking effect on the venue side.
type Source interface {
	Name() string
	GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error)
	ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice decimal.Decimal) (SwapResult, error)
}
