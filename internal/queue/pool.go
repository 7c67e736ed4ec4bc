package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dexflow/internal/models"
)

const (
	DefaultConcurrency   = 5
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = 2 * time.Second
	DefaultStallTimeout  = 30 * time.Second
	DefaultStallInterval = 15 * time.Second
)

type Config struct {
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	StallTimeout  time.Duration
	StallInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.StallInterval <= 0 {
		c.StallInterval = DefaultStallInterval
	}
	return c
}

// record is the pool's private view of a queued order. gen increments every
// time the record is (re)queued; a worker holding an older gen has been
// declared stalled and its result is discarded.
type record struct {
	order        models.Order
	attempt      int
	gen          int
	lastProgress time.Time
}

// Job is the processor's handle on one attempt. Touch reports progress for
// the stall detector; Stale tells a slow worker its attempt was requeued so
// it can abandon work at the next stage boundary.
type Job struct {
	Order       *models.Order
	Attempt     int
	MaxAttempts int

	gen  int
	rec  *record
	pool *Pool
}

func (j *Job) Touch() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.mu.Lock()
	j.rec.lastProgress = time.Now()
	j.pool.mu.Unlock()
}

func (j *Job) Stale() bool {
	if j == nil || j.pool == nil {
		return false
	}
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	return j.rec.gen != j.gen
}

// Sync writes the attempt's order snapshot back to the queue record so a
// retry resumes from the furthest persisted state. It reports false when the
// attempt has been superseded by a stall requeue, in which case nothing is
// written: the replacement attempt owns the record now.
func (j *Job) Sync() bool {
	if j == nil || j.pool == nil {
		return true
	}
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	if j.rec.gen != j.gen {
		return false
	}
	j.rec.order = *j.Order
	j.rec.lastProgress = time.Now()
	return true
}

// Pool is the in-process Queue: a bounded set of workers pulling from an
// unbounded pending list, with exponential-backoff retries and a stall
// detector that requeues jobs whose worker stopped reporting progress.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*record
	active  map[string]*record
	delayed int
	closed  bool

	completed int
	failed    int

	proc      Processor
	startOnce sync.Once
	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewPool(cfg Config, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:    cfg.withDefaults(),
		logger: logger,
		active: make(map[string]*record),
	}
	p.cond = sync.NewCond(&p.mu)
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	return p
}

// Enqueue accepts a full order snapshot so pickup needs no store round-trip.
// It returns once the job is queued; the pending list is unbounded, so a
// burst beyond the concurrency limit waits rather than blocking the caller.
func (p *Pool) Enqueue(ctx context.Context, order models.Order) error {
	if p == nil {
		return fmt.Errorf("queue pool is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.ID == "" {
		return fmt.Errorf("order id is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("queue is shut down")
	}
	rec := &record{order: order, lastProgress: time.Now()}
	p.pending = append(p.pending, rec)
	p.cond.Signal()
	return nil
}

// RegisterProcessor wires the state-machine owner and starts the workers and
// the stall detector. Only the first call takes effect.
func (p *Pool) RegisterProcessor(proc Processor) {
	if p == nil || proc == nil {
		return
	}
	p.startOnce.Do(func() {
		p.proc = proc
		for i := 0; i < p.cfg.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.wg.Add(1)
		go p.stallDetector()
	})
}

func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Waiting:   len(p.pending) + p.delayed,
		Active:    len(p.active),
		Completed: p.completed,
		Failed:    p.failed,
	}
}

// Shutdown stops intake, wakes idle workers, and waits for in-flight jobs to
// finish or abandon (the run context is cancelled, so blocked stage calls
// return promptly). Idempotent, and safe when no processor was registered.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.runCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		rec := p.take()
		if rec == nil {
			return
		}
		p.run(rec)
	}
}

func (p *Pool) take() *record {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	rec := p.pending[0]
	p.pending = p.pending[1:]
	rec.attempt++
	rec.lastProgress = time.Now()
	p.active[rec.order.ID] = rec
	return rec
}

func (p *Pool) run(rec *record) {
	p.mu.Lock()
	// Each attempt works on its own copy of the order. A worker that gets
	// superseded by a stall requeue keeps mutating only its copy; progress
	// reaches the shared record through Job.Sync, which is gen-fenced.
	orderCopy := rec.order
	job := &Job{
		Order:       &orderCopy,
		Attempt:     rec.attempt,
		MaxAttempts: p.cfg.MaxAttempts,
		gen:         rec.gen,
		rec:         rec,
		pool:        p,
	}
	p.mu.Unlock()

	err := p.proc.Process(p.runCtx, job)

	p.mu.Lock()
	if rec.gen != job.gen {
		// The stall detector already requeued this record; whatever this
		// worker produced is void.
		p.mu.Unlock()
		return
	}
	rec.order = *job.Order
	delete(p.active, rec.order.ID)

	if err == nil {
		p.completed++
		p.mu.Unlock()
		return
	}

	if rec.attempt >= p.cfg.MaxAttempts {
		p.failed++
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Error("order attempts exhausted",
				zap.String("order_id", rec.order.ID),
				zap.Int("attempts", rec.attempt),
				zap.Error(err),
			)
		}
		p.proc.Exhausted(p.runCtx, job, err)
		return
	}

	delay := p.cfg.BackoffBase << (rec.attempt - 1)
	p.delayed++
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Warn("order attempt failed, retrying",
			zap.String("order_id", rec.order.ID),
			zap.Int("attempt", rec.attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.delayed--
		if p.closed {
			return
		}
		p.pending = append(p.pending, rec)
		p.cond.Signal()
	})
}

// stallDetector requeues any active job whose worker has not reported
// progress within the stall timeout. Requeue bumps the generation so the
// stuck worker's late result is discarded; the stalled attempt does not
// count against the retry budget.
func (p *Pool) stallDetector() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		cutoff := time.Now().Add(-p.cfg.StallTimeout)
		for id, rec := range p.active {
			if rec.lastProgress.After(cutoff) {
				continue
			}
			delete(p.active, id)
			rec.gen++
			rec.attempt--
			rec.lastProgress = time.Now()
			p.pending = append(p.pending, rec)
			p.cond.Signal()
			if p.logger != nil {
				p.logger.Warn("stalled job requeued", zap.String("order_id", id))
			}
		}
		p.mu.Unlock()
	}
}
