package lifecycle

import (
	"context"
	"time"

	"github.com/zedinhost/arkd/pkg/runtime"
	"github.com/zedinhost/arkd/pkg/types"
)

// StopExpired stops every listed instance that is still running. The ids
// come from an external entitlement sweeper; instances already down are
// skipped, not failed.
func (c *Controller) StopExpired(ctx context.Context, ids []int64) map[int64]types.OpResult {
	results := make(map[int64]types.OpResult, len(ids))

	for _, id := range ids {
		desc, err := c.store.Get(id)
		if err != nil {
			results[id] = types.Failuref("instance %d: %v", id, err)
			continue
		}

		status, err := c.runtime.Status(ctx, desc.ContainerName())
		if err != nil {
			results[id] = types.Failuref("container runtime unavailable: %v", err)
			continue
		}
		if status.State != runtime.StateRunning {
			results[id] = types.Successf("instance %d already stopped", id)
			continue
		}

		results[id] = c.Stop(ctx, id)
	}
	return results
}

// AutoBackupSweep backs up every instance whose backup interval has elapsed
// since its newest archive, then applies the retention policy once across
// all instances. Running instances get a best-effort world save first so the
// archive is as fresh as possible.
func (c *Controller) AutoBackupSweep(ctx context.Context) (created int, err error) {
	descs, err := c.store.List()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	for _, desc := range descs {
		if desc.AutoBackupIntervalHours <= 0 {
			continue
		}

		records, err := c.backups.List(desc)
		if err != nil {
			c.logger.Warn().Int64("instance", desc.ID).Err(err).Msg("backup listing failed during sweep")
			continue
		}
		if len(records) > 0 {
			interval := time.Duration(desc.AutoBackupIntervalHours) * time.Hour
			if now.Sub(records[0].CreatedAt) < interval {
				continue
			}
		}

		addr := consoleAddr(desc)
		if c.console.Available(addr, desc.AdminPassword) {
			if err := c.console.SaveWorld(addr, desc.AdminPassword); err != nil {
				c.logger.Warn().Int64("instance", desc.ID).Err(err).Msg("world save before auto backup failed")
			}
		}

		if _, err := c.backups.Create(desc); err != nil {
			c.logger.Error().Int64("instance", desc.ID).Err(err).Msg("auto backup failed")
			continue
		}
		created++
		c.logger.Info().Int64("instance", desc.ID).Msg("auto backup created")
	}

	if _, err := c.backups.Prune(descs); err != nil {
		return created, err
	}
	return created, nil
}
