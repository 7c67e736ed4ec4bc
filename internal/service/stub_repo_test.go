package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dexflow/internal/models"
	"dexflow/internal/repository"
)

// stubRepo is a test-only in-memory implementation of
// repository.OrderRepository.
type stubRepo struct {
	mu     sync.Mutex
	orders map[string]models.Order

	// failConfirmUpdates makes that many confirmed-status updates fail
	// before letting one through, to exercise finalization retries.
	failConfirmUpdates int

	// confirmUpdates counts successful confirmed-status writes.
	confirmUpdates int
}

func newStubRepo() *stubRepo {
	return &stubRepo{orders: make(map[string]models.Order)}
}

func (s *stubRepo) CreateOrder(ctx context.Context, item *models.Order) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[item.ID] = *item
	return nil
}

func (s *stubRepo) UpdateOrder(ctx context.Context, id string, params repository.UpdateOrderParams) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	if params.Status != nil {
		if *params.Status == models.StatusConfirmed {
			if s.failConfirmUpdates > 0 {
				s.failConfirmUpdates--
				return nil, fmt.Errorf("store temporarily unavailable")
			}
			s.confirmUpdates++
		}
		item.Status = *params.Status
	}
	if params.TxHash != nil {
		item.TxHash = *params.TxHash
	}
	if params.ExecutedPrice != nil {
		price := *params.ExecutedPrice
		item.ExecutedPrice = &price
	}
	if params.SelectedRoute != nil {
		item.SelectedRoute = *params.SelectedRoute
	}
	if params.ErrorMessage != nil {
		item.ErrorMessage = *params.ErrorMessage
	}
	if params.ExecutionDetail != nil {
		item.ExecutionDetail = *params.ExecutionDetail
	}
	item.UpdatedAt = time.Now().UTC()
	s.orders[id] = item
	out := item
	return &out, nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	out := item
	return &out, nil
}

func (s *stubRepo) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.Order
	for _, item := range s.orders {
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *stubRepo) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	items, err := s.ListOrders(ctx, params)
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (s *stubRepo) get(id string) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *stubRepo) confirmCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmUpdates
}
