package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"dexflow/internal/fanout"
	"dexflow/internal/service"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler upgrades /ws/:orderId connections and registers them as the
// order's status observer. One observer per order; a newer connection
// replaces the previous one.
type WSHandler struct {
	Service *service.OrderService
	Hub     *fanout.Hub
	Logger  *zap.Logger
}

func (h *WSHandler) Register(r *gin.Engine) {
	r.GET("/ws/:orderId", h.subscribe)
}

func (h *WSHandler) subscribe(c *gin.Context) {
	if h.Service == nil || h.Hub == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	orderID := c.Param("orderId")
	order, err := h.Service.GetStatus(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			Error(c, http.StatusNotFound, "order not found", nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // cross-origin dashboards connect directly
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket accept failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}

	t := newWSTransport(conn)
	// CloseRead watches for the peer going away; we never expect inbound
	// frames on this endpoint.
	readCtx := conn.CloseRead(context.Background())
	go func() {
		<-readCtx.Done()
		t.markClosed()
	}()

	greeting, err := json.Marshal(gin.H{
		"type":      "connected",
		"orderId":   orderID,
		"status":    order.Status,
		"timestamp": time.Now().UTC(),
	})
	if err == nil {
		if err := t.Send(greeting); err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}

	h.Hub.Subscribe(orderID, t)
	if h.Logger != nil {
		h.Logger.Info("status observer attached", zap.String("order_id", orderID))
	}
}

// wsTransport adapts a websocket connection to fanout.Transport.
type wsTransport struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(payload []byte) error {
	if t.closed.Load() {
		return errors.New("websocket closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.markClosed()
		return err
	}
	return nil
}

func (t *wsTransport) IsOpen() bool {
	return !t.closed.Load()
}

func (t *wsTransport) markClosed() {
	if t.closed.CompareAndSwap(false, true) {
		t.conn.Close(websocket.StatusNormalClosure, "")
	}
}
