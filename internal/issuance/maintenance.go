package issuance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepPending removes pending orders created more than ttl ago, with their
// challenge responses. It returns how many were removed.
func (c *OrderCoordinator) SweepPending(ctx context.Context, ttl time.Duration) (int, error) {
	orders, err := c.store.ListPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("issuance: failed to list pending orders: %w", err)
	}

	cutoff := c.now().Add(-ttl)
	removed := 0
	for _, o := range orders {
		if !o.CreatedAt.Before(cutoff) {
			continue
		}
		if err := c.store.DeletePendingOrder(ctx, o.Key); err != nil {
			logger.Warn("failed to sweep pending order", zap.String("domain", o.Domain), zap.String("pending_key", o.Key), zap.Error(err))
			continue
		}
		removed++
		logger.Info("swept stale pending order", zap.String("domain", o.Domain), zap.Time("created_at", o.CreatedAt))
	}
	c.metrics.AddSwept(removed)
	return removed, nil
}

// RunSweeper calls SweepPending every interval until ctx is done.
func (c *OrderCoordinator) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	logger.Info("pending order sweeper started", zap.Duration("interval", interval), zap.Duration("ttl", ttl))
	return every(ctx, interval, func(ctx context.Context) {
		if _, err := c.SweepPending(ctx, ttl); err != nil {
			logger.Warn("pending order sweep failed", zap.Error(err))
		}
	})
}

// RunAutoRenew calls RenewDue every interval until ctx is done.
func (r *RenewalCoordinator) RunAutoRenew(ctx context.Context, interval, window time.Duration) error {
	logger.Info("auto-renewal started", zap.Duration("interval", interval), zap.Duration("window", window))
	return every(ctx, interval, func(ctx context.Context) {
		renewed, err := r.RenewDue(ctx, window)
		if len(renewed) > 0 {
			logger.Info("certificates renewed", zap.Strings("domains", renewed))
		}
		if err != nil {
			logger.Warn("auto-renewal pass finished with errors", zap.Error(err))
		}
	})
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
