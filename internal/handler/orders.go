package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"dexflow/internal/models"
	"dexflow/internal/service"
)

type OrderHandler struct {
	Service *service.OrderService
}

func (h *OrderHandler) Register(r *gin.Engine) {
	o := r.Group("/api/orders")
	o.POST("/execute", h.execute)
	o.GET("", h.list)
	o.GET("/:orderId", h.get)

	r.GET("/api/stats", h.stats)
}

type executeResponse struct {
	OrderID      string             `json:"orderId"`
	Status       models.OrderStatus `json:"status"`
	WebsocketURL string             `json:"websocketUrl"`
}

// @Summary Submit an order for asynchronous execution
// @Tags orders
// @Accept json
// @Success 201 {object} executeResponse
// @Router /api/orders/execute [post]
func (h *OrderHandler) execute(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	order, err := h.Service.Submit(c.Request.Context(), req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			Error(c, http.StatusBadRequest, verr.Error(), nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Created(c, executeResponse{
		OrderID:      order.ID,
		Status:       order.Status,
		WebsocketURL: fmt.Sprintf("/ws/%s", order.ID),
	})
}

// @Summary Get current order status
// @Tags orders
// @Success 200 {object} models.Order
// @Router /api/orders/{orderId} [get]
func (h *OrderHandler) get(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id := c.Param("orderId")
	order, err := h.Service.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			Error(c, http.StatusNotFound, "order not found", nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, order, nil)
}

// @Summary List orders, optionally filtered by status
// @Tags orders
// @Success 200 {array} models.Order
// @Router /api/orders [get]
func (h *OrderHandler) list(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	status := models.OrderStatus(strQuery(c, "status"))

	items, total, err := h.Service.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			Error(c, http.StatusBadRequest, verr.Error(), nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Queue and connection statistics
// @Tags orders
// @Success 200 {object} service.ServiceStats
// @Router /api/stats [get]
func (h *OrderHandler) stats(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	Ok(c, h.Service.Stats(), nil)
}
