package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// basePrices seeds the simulator with plausible pair prices. Unknown pairs
// fall back to 100.
var basePrices = map[string]float64{
	"SOL/USDC": 100,
	"SOL/USDT": 99.8,
	"ETH/USDC": 2000,
	"ETH/SOL":  20,
	"BTC/USDC": 45000,
}

type SimConfig struct {
	Name        string
	Fee         float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	Seed        int64
}

// SimSource simulates a liquidity venue: jittered quotes, execution-time
// slippage, and a configurable failure rate. It stands in for a real venue
// adapter; all randomness in the system lives here, behind the Source
// contract, so the routing engine stays deterministic.
type SimSource struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimSource(cfg SimConfig) *SimSource {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimSource{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (s *SimSource) Name() string {
	return s.cfg.Name
}

func (s *SimSource) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error) {
	if err := s.sleep(ctx); err != nil {
		return Quote{}, err
	}
	s.mu.Lock()
	variation := 0.97 + s.rng.Float64()*0.05
	liquidity := 800000 + s.rng.Float64()*5000000
	gas := 0.0001 + s.rng.Float64()*0.0003
	s.mu.Unlock()

	price := basePrice(tokenIn, tokenOut) * variation
	return Quote{
		Price:        decimal.NewFromFloat(price),
		Fee:          decimal.NewFromFloat(s.cfg.Fee),
		Liquidity:    decimal.NewFromFloat(liquidity),
		EstimatedGas: decimal.NewFromFloat(gas),
	}, nil
}

func (s *SimSource) ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice decimal.Decimal) (SwapResult, error) {
	if err := s.sleep(ctx); err != nil {
		return SwapResult{}, err
	}
	s.mu.Lock()
	failed := s.rng.Float64() < s.cfg.FailureRate
	slippage := s.rng.Float64() * 0.02
	gasUsed := 0.0001 + s.rng.Float64()*0.0003
	txHash := randomTxHash(s.rng)
	s.mu.Unlock()

	if failed {
		return SwapResult{}, fmt.Errorf("%s swap failed: network congestion", s.cfg.Name)
	}

	executedPrice := expectedPrice.Mul(decimal.NewFromFloat(1 - slippage))
	return SwapResult{
		TxHash:        txHash,
		ExecutedPrice: executedPrice,
		ActualAmount:  amount.Mul(executedPrice),
		GasUsed:       decimal.NewFromFloat(gasUsed),
	}, nil
}

func (s *SimSource) sleep(ctx context.Context) error {
	min, max := s.cfg.MinLatency, s.cfg.MaxLatency
	if max <= min {
		max = min
	}
	delay := min
	if max > min {
		s.mu.Lock()
		delay = min + time.Duration(s.rng.Int63n(int64(max-min)))
		s.mu.Unlock()
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func basePrice(tokenIn, tokenOut string) float64 {
	if p, ok := basePrices[tokenIn+"/"+tokenOut]; ok {
		return p
	}
	if p, ok := basePrices[tokenOut+"/"+tokenIn]; ok && p != 0 {
		return 1 / p
	}
	return 100
}

const hexDigits = "0123456789abcdef"

func randomTxHash(rng *rand.Rand) string {
	buf := make([]byte, 0, 66)
	buf = append(buf, '0', 'x')
	for i := 0; i < 64; i++ {
		buf = append(buf, hexDigits[rng.Intn(len(hexDigits))])
	}
	return string(buf)
}
