package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dexflow/internal/models"
)

// Transport is one observer channel, typically a websocket connection.
// Send may fail once the peer is gone; IsOpen is a cheap liveness check.
type Transport interface {
	Send(payload []byte) error
	IsOpen() bool
}

// StatusPayload carries the optional per-transition detail.
type StatusPayload struct {
	TxHash        string           `json:"txHash,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executedPrice,omitempty"`
	SelectedRoute string           `json:"selectedRoute,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// StatusMessage is the wire shape delivered to observers. It is transient:
// at most one delivery per transition, no buffering, no replay.
type StatusMessage struct {
	OrderID   string             `json:"orderId"`
	Status    models.OrderStatus `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Data      *StatusPayload     `json:"data,omitempty"`
}

// Hub maps order ids to their single observer transport. It is the only
// structure mutated from multiple goroutines (worker completions, publishes,
// cleanup sweeps), so every operation holds the one mutex; registration,
// lookup, and eviction stay atomic with respect to each other.
type Hub struct {
	mu         sync.Mutex
	transports map[string]Transport
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		transports: make(map[string]Transport),
		logger:     logger,
	}
}

// Subscribe registers the transport for an order id. The slot holds one
// observer: a new registration replaces any prior one.
func (h *Hub) Subscribe(orderID string, t Transport) {
	if h == nil || orderID == "" || t == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transports[orderID] = t
}

func (h *Hub) Unsubscribe(orderID string) {
	if h == nil || orderID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.transports, orderID)
}

// Publish delivers the message to the order's observer, if any. Delivery is
// best-effort and at-most-once: a missing registration drops the message, a
// closed or erroring transport is evicted and the message dropped. Publish
// never fails the caller. The network write happens outside the registry
// lock so one slow peer cannot stall publishes for other orders.
func (h *Hub) Publish(orderID string, msg StatusMessage) {
	if h == nil || orderID == "" {
		return
	}
	h.mu.Lock()
	t, ok := h.transports[orderID]
	if ok && !t.IsOpen() {
		delete(h.transports, orderID)
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("status message marshal failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}
	if err := t.Send(payload); err != nil {
		h.evict(orderID, t)
		if h.logger != nil {
			h.logger.Warn("status delivery failed, observer evicted",
				zap.String("order_id", orderID),
				zap.String("status", string(msg.Status)),
				zap.Error(err),
			)
		}
	}
}

// evict removes the transport only if it is still the registered one; a
// replacement that subscribed while the failing send was in flight is kept.
func (h *Hub) evict(orderID string, t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.transports[orderID]; ok && cur == t {
		delete(h.transports, orderID)
	}
}

// BroadcastAll delivers to every open transport, evicting any found closed
// or erroring along the way. Sends run outside the registry lock.
func (h *Hub) BroadcastAll(msg StatusMessage) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	targets := make(map[string]Transport, len(h.transports))
	for orderID, t := range h.transports {
		if !t.IsOpen() {
			delete(h.transports, orderID)
			continue
		}
		targets[orderID] = t
	}
	h.mu.Unlock()

	for orderID, t := range targets {
		if err := t.Send(payload); err != nil {
			h.evict(orderID, t)
		}
	}
}

// Cleanup sweeps the registry, dropping entries whose transport reports a
// closed state. Run it periodically to bound growth from abandoned
// connections.
func (h *Hub) Cleanup() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for orderID, t := range h.transports {
		if !t.IsOpen() {
			delete(h.transports, orderID)
			removed++
		}
	}
	return removed
}

func (h *Hub) ConnectionCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *Hub) ActiveOrderIDs() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.transports))
	for orderID := range h.transports {
		ids = append(ids, orderID)
	}
	return ids
}
