package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
	TypeSniper OrderType = "sniper"
)

// statusRank orders pipeline stages. Terminal states share the highest rank
// because an order reaches exactly one of them.
var statusRank = map[OrderStatus]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
	StatusFailed:    4,
}

func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s OrderStatus) Rank() int {
	return statusRank[s]
}

func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether to is a legal next stage after from.
// Stages advance one at a time, except that failed is reachable from any
// non-terminal stage. Terminal states are absorbing.
func CanTransition(from, to OrderStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() == from.Rank()+1
}

func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeSniper:
		return true
	}
	return false
}

type Order struct {
	ID   string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Type OrderType `gorm:"type:varchar(20);not null;default:'market'" json:"type"`

	TokenIn  string          `gorm:"type:varchar(40);not null" json:"tokenIn"`
	TokenOut string          `gorm:"type:varchar(40);not null" json:"tokenOut"`
	Amount   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"amount"`

	Status OrderStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`

	TxHash        string           `gorm:"type:varchar(130)" json:"txHash,omitempty"`
	ExecutedPrice *decimal.Decimal `gorm:"type:numeric(20,10)" json:"executedPrice,omitempty"`
	SelectedRoute string           `gorm:"type:varchar(40)" json:"selectedRoute,omitempty"`
	ErrorMessage  string           `gorm:"type:text" json:"error,omitempty"`

	// Execution summary that does not warrant its own columns
	// (actual amount out, gas used).
	ExecutionDetail datatypes.JSON `gorm:"type:jsonb" json:"executionDetail,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updatedAt"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderRequest is the submission payload accepted by the API layer.
type OrderRequest struct {
	Type     OrderType       `json:"type"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
	Slippage *float64        `json:"slippage,omitempty"`
}
