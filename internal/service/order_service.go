package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dexflow/internal/cache"
	"dexflow/internal/fanout"
	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
)

type OrderService struct {
	Repo   repository.OrderRepository
	Cache  cache.OrderCache
	Queue  queue.Queue
	Hub    *fanout.Hub
	Logger *zap.Logger
}

type ServiceStats struct {
	Queue        queue.Stats `json:"queue"`
	Connections  int         `json:"connections"`
	ActiveOrders []string    `json:"activeOrders"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NewOrderID assigns a globally unique, immutable order id.
func NewOrderID() string {
	return fmt.Sprintf("order_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Submit validates the request, persists the order as pending, primes the
// cache, enqueues the execution job, and publishes the initial PENDING
// notification before any pipeline stage runs.
func (s *OrderService) Submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if s == nil || s.Repo == nil || s.Queue == nil {
		return nil, fmt.Errorf("order service is not wired")
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:        NewOrderID(),
		Type:      req.Type,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.Repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, order); err != nil && s.Logger != nil {
			s.Logger.Warn("cache prime failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if err := s.Queue.Enqueue(ctx, *order); err != nil {
		return nil, fmt.Errorf("enqueue order: %w", err)
	}
	if s.Hub != nil {
		s.Hub.Publish(order.ID, fanout.StatusMessage{
			OrderID:   order.ID,
			Status:    models.StatusPending,
			Timestamp: time.Now().UTC(),
		})
	}
	if s.Logger != nil {
		s.Logger.Info("order submitted",
			zap.String("order_id", order.ID),
			zap.String("pair", order.TokenIn+"/"+order.TokenOut),
			zap.String("amount", order.Amount.String()),
		)
	}
	return order, nil
}

// GetStatus serves in-flight reads from the cache and falls back to the
// repository; the repository stays authoritative.
func (s *OrderService) GetStatus(ctx context.Context, id string) (*models.Order, error) {
	if s == nil || s.Repo == nil {
		return nil, fmt.Errorf("order service is not wired")
	}
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, id)
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("cache read failed", zap.String("order_id", id), zap.Error(err))
			}
		} else if cached != nil {
			return cached, nil
		}
	}
	order, err := s.Repo.GetOrderByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

func (s *OrderService) ListByStatus(ctx context.Context, status models.OrderStatus, limit, offset int) ([]models.Order, int64, error) {
	if s == nil || s.Repo == nil {
		return nil, 0, fmt.Errorf("order service is not wired")
	}
	if status != "" && !status.Valid() {
		return nil, 0, validationErr("status", "unknown status "+string(status))
	}
	params := repository.ListOrdersParams{Limit: limit, Offset: offset}
	if status != "" {
		params.Status = &status
	}
	items, err := s.Repo.ListOrders(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountOrders(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *OrderService) Stats() ServiceStats {
	stats := ServiceStats{Timestamp: time.Now().UTC()}
	if s == nil {
		return stats
	}
	if s.Queue != nil {
		stats.Queue = s.Queue.Stats()
	}
	if s.Hub != nil {
		stats.Connections = s.Hub.ConnectionCount()
		stats.ActiveOrders = s.Hub.ActiveOrderIDs()
	}
	return stats
}

func validateRequest(req *models.OrderRequest) error {
	req.TokenIn = strings.ToUpper(strings.TrimSpace(req.TokenIn))
	req.TokenOut = strings.ToUpper(strings.TrimSpace(req.TokenOut))
	if req.TokenIn == "" {
		return validationErr("tokenIn", "required")
	}
	if req.TokenOut == "" {
		return validationErr("tokenOut", "required")
	}
	if req.TokenIn == req.TokenOut {
		return validationErr("tokenOut", "must differ from tokenIn")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return validationErr("amount", "must be greater than 0")
	}
	if req.Type == "" {
		req.Type = models.TypeMarket
	}
	if !req.Type.Valid() {
		return validationErr("type", "unknown order type "+string(req.Type))
	}
	return nil
}
