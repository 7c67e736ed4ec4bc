package repository

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"dexflow/internal/models"
)

// UpdateOrderParams carries a partial update; nil fields are left untouched.
type UpdateOrderParams struct {
	Status          *models.OrderStatus
	TxHash          *string
	ExecutedPrice   *decimal.Decimal
	SelectedRoute   *string
	ErrorMessage    *string
	ExecutionDetail *datatypes.JSON
}

type ListOrdersParams struct {
	Status *models.OrderStatus
	Limit  int
	Offset int
}

// OrderRepository is the durable record of every order. The cache layer may
// front it for in-flight reads but never replaces it.
type OrderRepository interface {
	CreateOrder(ctx context.Context, item *models.Order) error
	// UpdateOrder applies the non-nil fields and returns the updated row,
	// or nil when no order has that id.
	UpdateOrder(ctx context.Context, id string, params UpdateOrderParams) (*models.Order, error)
	// GetOrderByID returns nil without error when the id is unknown.
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	// ListOrders returns orders newest-first.
	ListOrders(ctx context.Context, params ListOrdersParams) ([]models.Order, error)
	CountOrders(ctx context.Context, params ListOrdersParams) (int64, error)
}
