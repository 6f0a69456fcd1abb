package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.uber.org/zap"
)

// PoolConfig holds pool tunables
type PoolConfig struct {
	Size                int
	MaxRetries          int
	RetryDelay          time.Duration
	CallTimeout         time.Duration
	HealthCheckInterval time.Duration
}

// Pool runs subtasks on an inner worker with bounded concurrency, a
// per-call timeout and retries on error
type Pool struct {
	inner   ports.Worker
	cfg     PoolConfig
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	slots   chan struct{}
	busy    atomic.Int32
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewPool creates a new worker pool around inner
func NewPool(inner ports.Worker, cfg PoolConfig, metrics ports.MetricsCollector, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	pool := &Pool{
		inner:   inner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		slots:   make(chan struct{}, cfg.Size),
	}
	pool.health = NewHealthMonitor(pool, cfg.HealthCheckInterval, logger)

	return pool
}

// Start starts the health monitor
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool",
		zap.Int("size", p.cfg.Size),
		zap.Int("max_retries", p.cfg.MaxRetries))

	p.health.Start()
	return nil
}

// Shutdown stops accepting work and waits for running calls
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.stopped.Store(true)
	p.health.Stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// Size returns the number of concurrent calls allowed
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Busy returns the number of calls in flight
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Stopped reports whether Shutdown was called
func (p *Pool) Stopped() bool {
	return p.stopped.Load()
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// Run implements ports.Worker. It waits for a free slot, then calls the
// inner worker until it returns without error or retries are exhausted.
// Work failures (Success=false) are returned as is and not retried.
func (p *Pool) Run(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
	if p.stopped.Load() {
		return nil, fmt.Errorf("worker pool is stopped")
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for worker slot: %w", ctx.Err())
	}
	p.wg.Add(1)
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := p.call(ctx, mt, st)
		if err == nil {
			return result, nil
		}
		lastErr = err

		p.logger.Warn("worker call failed",
			zap.String("subtask_id", st.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if !sleep(ctx, p.cfg.RetryDelay) {
			break
		}
	}

	return nil, fmt.Errorf("subtask %s failed after retries: %w", st.ID, lastErr)
}

func (p *Pool) call(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}
	return p.inner.Run(ctx, mt, st)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
