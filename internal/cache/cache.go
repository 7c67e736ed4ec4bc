package cache

import (
	"context"
	"time"

	"dexflow/internal/models"
)

const DefaultTTL = time.Hour

// OrderCache is a short-lived read accelerator for in-flight orders. It is
// never authoritative: a miss returns (nil, nil) and the caller falls back to
// the repository.
type OrderCache interface {
	Set(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Delete(ctx context.Context, id string) error
}
