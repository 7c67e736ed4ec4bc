package gormrepository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"dexflow/internal/models"
	"dexflow/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) UpdateOrder(ctx context.Context, id string, params repository.UpdateOrderParams) (*models.Order, error) {
	if s == nil || s.db == nil || id == "" {
		return nil, nil
	}
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if params.Status != nil {
		updates["status"] = *params.Status
	}
	if params.TxHash != nil {
		updates["tx_hash"] = *params.TxHash
	}
	if params.ExecutedPrice != nil {
		updates["executed_price"] = *params.ExecutedPrice
	}
	if params.SelectedRoute != nil {
		updates["selected_route"] = *params.SelectedRoute
	}
	if params.ErrorMessage != nil {
		updates["error_message"] = *params.ErrorMessage
	}
	if params.ExecutionDetail != nil {
		updates["execution_detail"] = *params.ExecutionDetail
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.GetOrderByID(ctx, id)
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	if s == nil || s.db == nil || id == "" {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.applyFilters(ctx, params)
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	var items []models.Order
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.applyFilters(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) applyFilters(ctx context.Context, params repository.ListOrdersParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Order{})
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	return query
}
