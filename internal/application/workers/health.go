package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically records worker pool occupancy and tracks how
// long the pool has been saturated
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	saturatedSince time.Time
}

// HealthStatus is a snapshot of worker pool health
type HealthStatus struct {
	TotalWorkers int
	IdleWorkers  int
	BusyWorkers  int
	Stopped      bool

	// Saturated is true while every slot is busy; SaturatedFor is measured
	// from the first check that saw the pool full
	Saturated    bool
	SaturatedFor time.Duration

	Healthy   bool
	Timestamp time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
	}
}

// Start starts the periodic check; calling it twice is a no-op
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})

	go h.run(h.stopCh)
}

// Stop stops the periodic check
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

func (h *HealthMonitor) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth records pool metrics and warns once when the pool fills up
func (h *HealthMonitor) checkHealth() {
	wasSaturated := !h.saturatedAt().IsZero()
	status := h.GetStatus()

	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Bool("healthy", status.Healthy))

	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers)
	}

	switch {
	case status.Saturated && !wasSaturated:
		h.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers))
	case !status.Saturated && wasSaturated:
		h.logger.Info("worker pool has free slots again")
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	now := time.Now()
	total := h.pool.Size()
	busy := h.pool.Busy()
	stopped := h.pool.Stopped()

	idle := total - busy
	if idle < 0 {
		idle = 0
	}
	saturated := !stopped && idle == 0

	h.mu.Lock()
	switch {
	case saturated && h.saturatedSince.IsZero():
		h.saturatedSince = now
	case !saturated:
		h.saturatedSince = time.Time{}
	}
	since := h.saturatedSince
	h.mu.Unlock()

	status := &HealthStatus{
		TotalWorkers: total,
		IdleWorkers:  idle,
		BusyWorkers:  busy,
		Stopped:      stopped,
		Saturated:    saturated,
		Healthy:      !stopped && idle > 0,
		Timestamp:    now,
	}
	if saturated {
		status.SaturatedFor = now.Sub(since)
	}
	return status
}

// IsHealthy returns true if the pool is running with at least one free slot
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}

func (h *HealthMonitor) saturatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saturatedSince
}
