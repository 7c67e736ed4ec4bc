package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dexflow/internal/cache"
	"dexflow/internal/config"
	"dexflow/internal/fanout"
	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/router"
	"dexflow/internal/venue"
)

// recTransport records every decoded status message it receives.
type recTransport struct {
	mu   sync.Mutex
	msgs []fanout.StatusMessage
}

func (t *recTransport) Send(payload []byte) error {
	var msg fanout.StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.mu.Unlock()
	return nil
}

func (t *recTransport) IsOpen() bool { return true }

func (t *recTransport) statuses() []models.OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.OrderStatus, 0, len(t.msgs))
	for _, msg := range t.msgs {
		out = append(out, msg.Status)
	}
	return out
}

func (t *recTransport) last() fanout.StatusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs[len(t.msgs)-1]
}

// scriptedSource quotes a fixed price and fails its first failSwaps swap
// calls before succeeding.
type scriptedSource struct {
	mu        sync.Mutex
	name      string
	price     decimal.Decimal
	failSwaps int
	swaps     int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (venue.Quote, error) {
	return venue.Quote{
		Price:        s.price,
		Fee:          decimal.Zero,
		Liquidity:    decimal.NewFromInt(1000000),
		EstimatedGas: decimal.Zero,
	}, nil
}

func (s *scriptedSource) ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice decimal.Decimal) (venue.SwapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps++
	if s.failSwaps > 0 {
		s.failSwaps--
		return venue.SwapResult{}, fmt.Errorf("swap rejected")
	}
	return venue.SwapResult{
		TxHash:        "0xabc123",
		ExecutedPrice: expectedPrice,
		ActualAmount:  amount.Mul(expectedPrice),
		GasUsed:       decimal.NewFromFloat(0.000005),
	}, nil
}

func (s *scriptedSource) swapCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swaps
}

func newTestExecutor(repo *stubRepo, src venue.Source) (*Executor, *cache.MemoryCache, *fanout.Hub) {
	mem := cache.NewMemoryCache(time.Hour)
	hub := fanout.NewHub(nil)
	return &Executor{
		Repo:   repo,
		Cache:  mem,
		Hub:    hub,
		Router: router.NewEngine(nil, src),
		Config: config.PipelineConfig{BuildDelayMin: time.Millisecond, BuildDelayMax: 2 * time.Millisecond},
	}, mem, hub
}

func seedOrder(t *testing.T, repo *stubRepo, mem *cache.MemoryCache) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:        "order_test_1",
		Type:      models.TypeMarket,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		Amount:    decimal.NewFromInt(10),
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	ctx := context.Background()
	if err := repo.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := mem.Set(ctx, order); err != nil {
		t.Fatalf("cache Set: %v", err)
	}
	return order
}

func TestExecutorProcessHappyPath(t *testing.T) {
	repo := newStubRepo()
	src := &scriptedSource{name: "raydium", price: decimal.NewFromInt(100)}
	exec, mem, hub := newTestExecutor(repo, src)
	order := seedOrder(t, repo, mem)

	tr := &recTransport{}
	hub.Subscribe(order.ID, tr)

	job := &queue.Job{Order: order, Attempt: 1, MaxAttempts: 3}
	if err := exec.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []models.OrderStatus{models.StatusRouting, models.StatusBuilding, models.StatusSubmitted, models.StatusConfirmed}
	got := tr.statuses()
	if len(got) != len(want) {
		t.Fatalf("published statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published statuses = %v, want %v", got, want)
		}
	}

	final := tr.last()
	if final.Data == nil || final.Data.TxHash != "0xabc123" || final.Data.SelectedRoute != "raydium" {
		t.Fatalf("unexpected terminal payload: %+v", final.Data)
	}

	stored := repo.get(order.ID)
	if stored.Status != models.StatusConfirmed {
		t.Fatalf("stored status = %s, want confirmed", stored.Status)
	}
	if stored.TxHash != "0xabc123" {
		t.Fatalf("stored tx hash = %q", stored.TxHash)
	}

	if cached, err := mem.Get(context.Background(), order.ID); err != nil || cached != nil {
		t.Fatalf("expected cache evicted after terminal state, got %v, %v", cached, err)
	}
	if n := hub.ConnectionCount(); n != 0 {
		t.Fatalf("expected observer released after terminal state, have %d", n)
	}
}

func TestExecutorRetryDoesNotRepeatStages(t *testing.T) {
	repo := newStubRepo()
	src := &scriptedSource{name: "raydium", price: decimal.NewFromInt(100), failSwaps: 1}
	exec, mem, hub := newTestExecutor(repo, src)
	order := seedOrder(t, repo, mem)

	tr := &recTransport{}
	hub.Subscribe(order.ID, tr)

	job := &queue.Job{Order: order, Attempt: 1, MaxAttempts: 3}
	if err := exec.Process(context.Background(), job); err == nil {
		t.Fatal("expected first attempt to fail at swap")
	}

	job.Attempt = 2
	if err := exec.Process(context.Background(), job); err != nil {
		t.Fatalf("second attempt: %v", err)
	}

	// The swap-stage statuses were announced by the first attempt; the
	// second attempt only adds the terminal one.
	want := []models.OrderStatus{models.StatusRouting, models.StatusBuilding, models.StatusSubmitted, models.StatusConfirmed}
	got := tr.statuses()
	if len(got) != len(want) {
		t.Fatalf("published statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published statuses = %v, want %v", got, want)
		}
	}
}

func TestExecutorDoesNotSwapTwiceAfterPersistFailure(t *testing.T) {
	repo := newStubRepo()
	repo.failConfirmUpdates = 1
	src := &scriptedSource{name: "raydium", price: decimal.NewFromInt(100)}
	exec, mem, _ := newTestExecutor(repo, src)
	order := seedOrder(t, repo, mem)

	job := &queue.Job{Order: order, Attempt: 1, MaxAttempts: 3}
	if err := exec.Process(context.Background(), job); err == nil {
		t.Fatal("expected confirmation persist to fail")
	}
	if src.swapCalls() != 1 {
		t.Fatalf("swap calls after first attempt = %d, want 1", src.swapCalls())
	}

	job.Attempt = 2
	if err := exec.Process(context.Background(), job); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if src.swapCalls() != 1 {
		t.Fatalf("retry re-executed the swap, calls = %d", src.swapCalls())
	}
	if stored := repo.get(order.ID); stored.Status != models.StatusConfirmed {
		t.Fatalf("stored status = %s, want confirmed", stored.Status)
	}
}

// stallSwapSource blocks its first swap until released, simulating a venue
// call slow enough to trip the stall detector. Later swaps succeed at once.
type stallSwapSource struct {
	mu    sync.Mutex
	name  string
	price decimal.Decimal
	swaps int
	block chan struct{}
}

func (s *stallSwapSource) Name() string { return s.name }

func (s *stallSwapSource) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (venue.Quote, error) {
	return venue.Quote{
		Price:        s.price,
		Fee:          decimal.Zero,
		Liquidity:    decimal.NewFromInt(1000000),
		EstimatedGas: decimal.Zero,
	}, nil
}

func (s *stallSwapSource) ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice decimal.Decimal) (venue.SwapResult, error) {
	s.mu.Lock()
	s.swaps++
	first := s.swaps == 1
	s.mu.Unlock()
	if first {
		<-s.block
	}
	return venue.SwapResult{
		TxHash:        "0xabc123",
		ExecutedPrice: expectedPrice,
		ActualAmount:  amount.Mul(expectedPrice),
		GasUsed:       decimal.NewFromFloat(0.000005),
	}, nil
}

func TestExecutorStalledSwapDoesNotDoubleFinalize(t *testing.T) {
	repo := newStubRepo()
	src := &stallSwapSource{name: "raydium", price: decimal.NewFromInt(100), block: make(chan struct{})}
	mem := cache.NewMemoryCache(time.Hour)
	hub := fanout.NewHub(nil)
	exec := &Executor{
		Repo:   repo,
		Cache:  mem,
		Hub:    hub,
		Router: router.NewEngine(nil, src),
		Config: config.PipelineConfig{BuildDelayMin: time.Millisecond, BuildDelayMax: 2 * time.Millisecond},
	}
	pool := queue.NewPool(queue.Config{
		Concurrency:   2,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		StallTimeout:  40 * time.Millisecond,
		StallInterval: 10 * time.Millisecond,
	}, nil)
	defer pool.Shutdown(context.Background())
	pool.RegisterProcessor(exec)

	order := seedOrder(t, repo, mem)
	if err := pool.Enqueue(context.Background(), *order); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The first attempt stalls inside the swap; the detector requeues and a
	// replacement attempt confirms the order.
	deadline := time.Now().Add(2 * time.Second)
	for repo.get(order.ID).Status != models.StatusConfirmed {
		if time.Now().After(deadline) {
			t.Fatalf("order stuck in %s", repo.get(order.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fresh observer attaches after confirmation; the superseded worker's
	// late swap return must not reach it, nor touch the store again.
	late := &recTransport{}
	hub.Subscribe(order.ID, late)
	close(src.block)
	time.Sleep(60 * time.Millisecond)

	if got := repo.confirmCount(); got != 1 {
		t.Fatalf("confirmed persisted %d times, want 1", got)
	}
	if msgs := late.statuses(); len(msgs) != 0 {
		t.Fatalf("superseded worker published %v after losing the order", msgs)
	}
	if stats := pool.Stats(); stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("pool stats = %+v", stats)
	}
	hub.Unsubscribe(order.ID)
}

func TestExecutorExhaustedMarksFailedOnce(t *testing.T) {
	repo := newStubRepo()
	src := &scriptedSource{name: "raydium", price: decimal.NewFromInt(100), failSwaps: 100}
	exec, mem, hub := newTestExecutor(repo, src)
	order := seedOrder(t, repo, mem)

	tr := &recTransport{}
	hub.Subscribe(order.ID, tr)

	job := &queue.Job{Order: order, Attempt: 3, MaxAttempts: 3}
	err := exec.Process(context.Background(), job)
	if err == nil {
		t.Fatal("expected final attempt to fail")
	}
	exec.Exhausted(context.Background(), job, err)

	failures := 0
	for _, status := range tr.statuses() {
		if status == models.StatusFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("failed published %d times, want 1", failures)
	}
	final := tr.last()
	if final.Status != models.StatusFailed || final.Data == nil || final.Data.Error == "" {
		t.Fatalf("unexpected terminal message: %+v", final)
	}

	stored := repo.get(order.ID)
	if stored.Status != models.StatusFailed || stored.ErrorMessage == "" {
		t.Fatalf("stored order = %+v", stored)
	}
	if cached, err := mem.Get(context.Background(), order.ID); err != nil || cached != nil {
		t.Fatalf("expected cache evicted on failure, got %v, %v", cached, err)
	}
	if n := hub.ConnectionCount(); n != 0 {
		t.Fatalf("expected observer released on failure, have %d", n)
	}
}
