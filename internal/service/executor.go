package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"dexflow/internal/cache"
	"dexflow/internal/config"
	"dexflow/internal/fanout"
	"dexflow/internal/models"
	"dexflow/internal/queue"
	"dexflow/internal/repository"
	"dexflow/internal/router"
	"dexflow/internal/venue"
)

// Executor owns the order state machine. It implements queue.Processor: the
// pool retries Process on transient stage failures and calls Exhausted once
// when the attempt budget runs out.
type Executor struct {
	Repo   repository.OrderRepository
	Cache  cache.OrderCache
	Hub    *fanout.Hub
	Router *router.Engine
	Logger *zap.Logger
	Config config.PipelineConfig
}

// Process drives one order through routing, building, submission, and
// confirmation. The job snapshot carries the furthest persisted status, so a
// retried attempt redoes stage work without re-announcing stages the
// subscriber has already seen.
func (e *Executor) Process(ctx context.Context, job *queue.Job) error {
	if e == nil || job == nil || job.Order == nil {
		return fmt.Errorf("executor is not wired")
	}
	job.Touch()

	// A previous attempt already executed the swap but could not persist the
	// outcome; finish that instead of swapping twice.
	if job.Order.TxHash != "" {
		return e.finalizeConfirmed(ctx, job)
	}

	if err := e.advance(ctx, job, models.StatusRouting); err != nil {
		return err
	}
	sel, err := e.Router.BestQuote(ctx, job.Order.TokenIn, job.Order.TokenOut, job.Order.Amount)
	if err != nil {
		return err
	}
	job.Touch()
	if e.Logger != nil {
		e.Logger.Info("route selected",
			zap.String("order_id", job.Order.ID),
			zap.String("source", sel.Source),
			zap.String("price", sel.Quote.Price.String()),
		)
	}

	if err := e.advance(ctx, job, models.StatusBuilding); err != nil {
		return err
	}
	if err := e.buildDelay(ctx); err != nil {
		return err
	}
	job.Touch()

	if err := e.advance(ctx, job, models.StatusSubmitted); err != nil {
		return err
	}
	res, err := e.Router.ExecuteSwap(ctx, sel.Source, job.Order.TokenIn, job.Order.TokenOut, job.Order.Amount, sel.Quote.Price)
	if err != nil {
		return err
	}

	// A swap slow enough to trip the stall detector may return after a
	// replacement attempt took over the order. The replacement owns all
	// further transitions; this attempt must not finalize.
	e.recordOutcome(job.Order, sel, res)
	if !job.Sync() {
		return fmt.Errorf("attempt superseded after stall requeue")
	}
	return e.finalizeConfirmed(ctx, job)
}

// Exhausted marks the order failed exactly once, after the final attempt.
func (e *Executor) Exhausted(ctx context.Context, job *queue.Job, cause error) {
	if e == nil || job == nil || job.Order == nil {
		return
	}
	orderID := job.Order.ID
	reason := "execution failed"
	if cause != nil {
		reason = cause.Error()
	}

	status := models.StatusFailed
	if _, err := e.Repo.UpdateOrder(ctx, orderID, repository.UpdateOrderParams{
		Status:       &status,
		ErrorMessage: &reason,
	}); err != nil && e.Logger != nil {
		e.Logger.Error("persist terminal failure", zap.String("order_id", orderID), zap.Error(err))
	}
	job.Order.Status = models.StatusFailed
	job.Order.ErrorMessage = reason

	e.evict(ctx, orderID)
	if e.Hub != nil {
		e.Hub.Publish(orderID, fanout.StatusMessage{
			OrderID:   orderID,
			Status:    models.StatusFailed,
			Timestamp: time.Now().UTC(),
			Data:      &fanout.StatusPayload{Error: reason},
		})
		e.Hub.Unsubscribe(orderID)
	}
	if e.Logger != nil {
		e.Logger.Error("order failed", zap.String("order_id", orderID), zap.String("reason", reason))
	}
}

// advance moves the snapshot forward one stage: persist, refresh cache,
// publish. Stages at or below the snapshot's current rank were announced by
// an earlier attempt and are skipped silently, which keeps the subscriber's
// sequence monotone.
func (e *Executor) advance(ctx context.Context, job *queue.Job, status models.OrderStatus) error {
	if job.Stale() {
		return fmt.Errorf("attempt superseded after stall requeue")
	}
	if status.Rank() <= job.Order.Status.Rank() {
		return nil
	}
	if !models.CanTransition(job.Order.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s for order %s", job.Order.Status, status, job.Order.ID)
	}
	updated, err := e.Repo.UpdateOrder(ctx, job.Order.ID, repository.UpdateOrderParams{Status: &status})
	if err != nil {
		return fmt.Errorf("persist %s: %w", status, err)
	}
	if updated == nil {
		return fmt.Errorf("order %s vanished from store", job.Order.ID)
	}
	job.Order.Status = status
	job.Order.UpdatedAt = updated.UpdatedAt
	if !job.Sync() {
		return fmt.Errorf("attempt superseded after stall requeue")
	}
	if e.Cache != nil {
		if err := e.Cache.Set(ctx, job.Order); err != nil && e.Logger != nil {
			e.Logger.Warn("cache refresh failed", zap.String("order_id", job.Order.ID), zap.Error(err))
		}
	}
	if e.Hub != nil {
		e.Hub.Publish(job.Order.ID, fanout.StatusMessage{
			OrderID:   job.Order.ID,
			Status:    status,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// recordOutcome copies the swap result onto the snapshot so finalization can
// be retried without re-executing the irreversible swap.
func (e *Executor) recordOutcome(order *models.Order, sel router.Selection, res venue.SwapResult) {
	price := res.ExecutedPrice
	order.TxHash = res.TxHash
	order.ExecutedPrice = &price
	order.SelectedRoute = sel.Source
	if detail, err := json.Marshal(map[string]string{
		"actualAmount": res.ActualAmount.String(),
		"gasUsed":      res.GasUsed.String(),
	}); err == nil {
		order.ExecutionDetail = datatypes.JSON(detail)
	}
}

func (e *Executor) finalizeConfirmed(ctx context.Context, job *queue.Job) error {
	if job.Stale() {
		return fmt.Errorf("attempt superseded after stall requeue")
	}
	orderID := job.Order.ID
	status := models.StatusConfirmed
	if _, err := e.Repo.UpdateOrder(ctx, orderID, repository.UpdateOrderParams{
		Status:          &status,
		TxHash:          &job.Order.TxHash,
		ExecutedPrice:   job.Order.ExecutedPrice,
		SelectedRoute:   &job.Order.SelectedRoute,
		ExecutionDetail: &job.Order.ExecutionDetail,
	}); err != nil {
		return fmt.Errorf("persist confirmation: %w", err)
	}
	job.Order.Status = models.StatusConfirmed

	e.evict(ctx, orderID)
	if e.Hub != nil {
		e.Hub.Publish(orderID, fanout.StatusMessage{
			OrderID:   orderID,
			Status:    models.StatusConfirmed,
			Timestamp: time.Now().UTC(),
			Data: &fanout.StatusPayload{
				TxHash:        job.Order.TxHash,
				ExecutedPrice: job.Order.ExecutedPrice,
				SelectedRoute: job.Order.SelectedRoute,
			},
		})
		e.Hub.Unsubscribe(orderID)
	}
	if e.Logger != nil {
		e.Logger.Info("order confirmed",
			zap.String("order_id", orderID),
			zap.String("tx_hash", job.Order.TxHash),
			zap.String("route", job.Order.SelectedRoute),
		)
	}
	return nil
}

func (e *Executor) evict(ctx context.Context, orderID string) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.Delete(ctx, orderID); err != nil && e.Logger != nil {
		e.Logger.Warn("cache evict failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// buildDelay simulates transaction construction time.
func (e *Executor) buildDelay(ctx context.Context) error {
	min, max := e.Config.BuildDelayMin, e.Config.BuildDelayMax
	if min <= 0 && max <= 0 {
		return nil
	}
	delay := min
	if max > min {
		delay = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
