package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/seekerhq/crawld/internal/adapter/repo/postgres"
)

// PartitionMaintenance keeps the crawl_log partition set rolling:
// future months pre-created, expired months dropped.
type PartitionMaintenance struct {
	manager       *postgres.PartitionManager
	monthsAhead   int
	retentionDays int
	interval      time.Duration
}

func NewPartitionMaintenance(m *postgres.PartitionManager, monthsAhead, retentionDays int, interval time.Duration) *PartitionMaintenance {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &PartitionMaintenance{
		manager:       m,
		monthsAhead:   monthsAhead,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

func (p *PartitionMaintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("partition maintenance stopping")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PartitionMaintenance) runOnce(ctx context.Context) {
	if err := p.manager.EnsureMonths(ctx, p.monthsAhead); err != nil {
		slog.Error("partition creation failed", slog.Any("error", err))
	}
	if err := p.manager.DropOlderThan(ctx, p.retentionDays); err != nil {
		slog.Error("partition retention failed", slog.Any("error", err))
	}
}
