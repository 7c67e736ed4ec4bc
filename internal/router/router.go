package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dexflow/internal/venue"
)

// Selection is the winning source for a quote fan-out.
type Selection struct {
	Source string      `json:"source"`
	Quote  venue.Quote `json:"quote"`
}

// Engine routes orders across registered liquidity sources. Registration
// order matters: when two sources quote the same effective price, the one
// registered first wins.
type Engine struct {
	sources []venue.Source
	logger  *zap.Logger
}

func NewEngine(logger *zap.Logger, sources ...venue.Source) *Engine {
	return &Engine{sources: sources, logger: logger}
}

func (e *Engine) Register(s venue.Source) {
	if e == nil || s == nil {
		return
	}
	e.sources = append(e.sources, s)
}

func (e *Engine) Sources() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		names = append(names, s.Name())
	}
	return names
}

func (e *Engine) GetQuote(ctx context.Context, source, tokenIn, tokenOut string, amount decimal.Decimal) (venue.Quote, error) {
	s, err := e.source(source)
	if err != nil {
		return venue.Quote{}, err
	}
	return s.GetQuote(ctx, tokenIn, tokenOut, amount)
}

// BestQuote queries every source concurrently, waits for all of them, and
// picks the strictly greatest effective price:
//
//	effective = price * (1 - fee) - estimatedGas
//
// A failing source is excluded from comparison, not fatal; the call fails
// only when no source produced a quote. Equal effective prices are broken by
// registration order (first registered wins), never by map iteration order.
func (e *Engine) BestQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Selection, error) {
	if e == nil || len(e.sources) == 0 {
		return Selection{}, fmt.Errorf("no liquidity sources registered")
	}

	type outcome struct {
		quote venue.Quote
		err   error
	}
	outcomes := make([]outcome, len(e.sources))

	var wg sync.WaitGroup
	for i, s := range e.sources {
		wg.Add(1)
		go func(i int, s venue.Source) {
			defer wg.Done()
			q, err := s.GetQuote(ctx, tokenIn, tokenOut, amount)
			outcomes[i] = outcome{quote: q, err: err}
		}(i, s)
	}
	wg.Wait()

	best := -1
	var bestEffective decimal.Decimal
	for i, out := range outcomes {
		if out.err != nil {
			if e.logger != nil {
				e.logger.Warn("quote source failed",
					zap.String("source", e.sources[i].Name()),
					zap.String("pair", tokenIn+"/"+tokenOut),
					zap.Error(out.err),
				)
			}
			continue
		}
		effective := EffectivePrice(out.quote)
		if best == -1 || effective.GreaterThan(bestEffective) {
			best = i
			bestEffective = effective
		}
	}
	if best == -1 {
		return Selection{}, fmt.Errorf("all %d quote sources failed for %s/%s", len(e.sources), tokenIn, tokenOut)
	}
	return Selection{Source: e.sources[best].Name(), Quote: outcomes[best].quote}, nil
}

func (e *Engine) ExecuteSwap(ctx context.Context, source, tokenIn, tokenOut string, amount, expectedPrice decimal.Decimal) (venue.SwapResult, error) {
	s, err := e.source(source)
	if err != nil {
		return venue.SwapResult{}, err
	}
	return s.ExecuteSwap(ctx, tokenIn, tokenOut, amount, expectedPrice)
}

// EffectivePrice adjusts a quoted price for fee and estimated execution cost.
func EffectivePrice(q venue.Quote) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return q.Price.Mul(one.Sub(q.Fee)).Sub(q.EstimatedGas)
}

func (e *Engine) source(name string) (venue.Source, error) {
	if e == nil {
		return nil, fmt.Errorf("router engine is nil")
	}
	for _, s := range e.sources {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown liquidity source %q", name)
}
