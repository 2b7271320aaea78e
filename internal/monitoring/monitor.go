// Package monitoring samples the billing pipeline: queue backlogs and account
// totals. Samples feed the queue depth gauges and the admin system view.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linolazarous/app/internal/logging"
	"github.com/linolazarous/app/internal/metrics"
	"github.com/linolazarous/app/internal/queue"
	"github.com/linolazarous/app/pkg/models"
)

// Thresholds for Health
const (
	dlqCritical   = 100
	queueWarning  = 1000
	staleAfterGap = 3
)

// Health levels
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusUnknown  = "unknown"
)

// Snapshot is the latest sample
type Snapshot struct {
	QueueDepth       int       `json:"queue_depth"`
	DLQDepth         int       `json:"dlq_depth"`
	TotalAccounts    int64     `json:"total_accounts"`
	VerifiedAccounts int64     `json:"verified_accounts"`
	CreditsUsed      int64     `json:"credits_used"`
	LastUpdated      time.Time `json:"last_updated"`
	Status           string    `json:"status"`
}

// QueueProvider reports queue backlogs
type QueueProvider interface {
	QueueDepth() (int, error)
	DLQDepth() (int, error)
}

// StatsSource reports account totals
type StatsSource interface {
	Stats(ctx context.Context) (*models.AccountStats, error)
}

// Monitor periodically samples the queue and the account store
type Monitor struct {
	mu       sync.RWMutex
	snapshot Snapshot
	queue    QueueProvider
	stats    StatsSource
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewMonitor creates a monitor sampling every interval
func NewMonitor(q QueueProvider, stats StatsSource, interval time.Duration, logger *logging.Logger) *Monitor {
	return &Monitor{
		queue:    q,
		stats:    stats,
		interval: interval,
		logger:   logger.WithComponent("monitor"),
		now:      time.Now,
	}
}

// Start samples until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	if err := m.Collect(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to collect pipeline metrics")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Collect(ctx); err != nil {
				m.logger.WithError(err).Warn("Failed to collect pipeline metrics")
			}
		}
	}
}

// Collect takes one sample. A failed sample leaves the previous one in place.
func (m *Monitor) Collect(ctx context.Context) error {
	queueDepth, err := m.queue.QueueDepth()
	if err != nil {
		return fmt.Errorf("failed to get queue depth: %w", err)
	}
	dlqDepth, err := m.queue.DLQDepth()
	if err != nil {
		return fmt.Errorf("failed to get DLQ depth: %w", err)
	}

	stats, err := m.stats.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account stats: %w", err)
	}

	metrics.UpdateQueueDepth(queue.BillingQueueName, queueDepth)
	metrics.UpdateQueueDepth(queue.DeadLetterQueueName, dlqDepth)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = Snapshot{
		QueueDepth:       queueDepth,
		DLQDepth:         dlqDepth,
		TotalAccounts:    stats.TotalAccounts,
		VerifiedAccounts: stats.VerifiedAccounts,
		CreditsUsed:      stats.CreditsUsed,
		LastUpdated:      m.now(),
	}
	return nil
}

// Snapshot returns a copy of the latest sample with its health status
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.Status = m.health(s)
	return s
}

func (m *Monitor) health(s Snapshot) string {
	if s.LastUpdated.IsZero() || m.now().Sub(s.LastUpdated) > staleAfterGap*m.interval {
		return StatusUnknown
	}
	if s.DLQDepth > dlqCritical {
		return StatusCritical
	}
	if s.QueueDepth > queueWarning {
		return StatusWarning
	}
	return StatusHealthy
}
