package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/types"
)

// shutdownSchedule is one countdown goroutine's claim on an instance. The
// durable marker file carries the active token; a goroutine only acts while
// its own token is still the one on disk. Scheduling again does not
// interrupt an older goroutine, it just swaps the token so the old goroutine
// notices on its next check and exits without acting.
type shutdownSchedule struct {
	instanceID int64
	token      string
	minutes    int
	issuedAt   time.Time
}

// ShutdownMarkerPath returns the durable marker location for an instance.
// Markers live outside the instance store so any process that can read the
// configuration can cancel a countdown another process is driving.
func ShutdownMarkerPath(cfg *config.Config, id int64) string {
	return filepath.Join(cfg.DataDir, "shutdowns", fmt.Sprintf("%d.json", id))
}

func readMarker(path string) (*types.ShutdownMarker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read shutdown marker: %w", err)
	}
	var m types.ShutdownMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode shutdown marker: %w", err)
	}
	return &m, nil
}

func writeMarker(path string, m *types.ShutdownMarker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shutdown marker dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write shutdown marker: %w", err)
	}
	return nil
}

// CancelScheduledShutdown removes the durable marker for an instance. It
// touches neither the instance store nor the container runtime, so it works
// from a fresh process while the scheduling one holds both.
func CancelScheduledShutdown(cfg *config.Config, id int64) types.OpResult {
	path := ShutdownMarkerPath(cfg, id)
	marker, err := readMarker(path)
	if err != nil {
		return types.Failuref("instance %d: %v", id, err)
	}
	if marker == nil {
		return types.Failuref("instance %d has no scheduled shutdown", id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.Failuref("failed to clear shutdown marker: %v", err)
	}
	return types.Successf("scheduled shutdown for instance %d cancelled", id)
}

// ScheduleShutdown starts a cancellable countdown that broadcasts in-game
// warnings and stops the instance when it reaches zero. At most one schedule
// is active per instance; a new one supersedes the old.
func (c *Controller) ScheduleShutdown(id int64, minutes int) (res types.OpResult) {
	defer c.opGuard("schedule-shutdown", &res)

	if minutes <= 0 {
		return c.fail("schedule-shutdown", "shutdown delay must be positive, got %d", minutes)
	}
	desc, err := c.store.Get(id)
	if err != nil {
		return c.fail("schedule-shutdown", "instance %d: %v", id, err)
	}

	s := &shutdownSchedule{
		instanceID: id,
		token:      uuid.NewString(),
		minutes:    minutes,
		issuedAt:   time.Now(),
	}

	path := ShutdownMarkerPath(c.cfg, id)
	c.schedMu.Lock()
	prev, err := readMarker(path)
	if err != nil {
		c.schedMu.Unlock()
		return c.fail("schedule-shutdown", "instance %d: %v", id, err)
	}
	err = writeMarker(path, &types.ShutdownMarker{
		InstanceID: id,
		Token:      s.token,
		Minutes:    minutes,
		IssuedAt:   s.issuedAt,
	})
	c.schedMu.Unlock()
	if err != nil {
		return c.fail("schedule-shutdown", "instance %d: %v", id, err)
	}

	go c.countdown(desc, s)

	c.logger.Info().Int64("instance", id).Int("minutes", minutes).
		Bool("superseded_previous", prev != nil).Msg("shutdown scheduled")
	return types.Successf("instance %d will shut down in %d minutes", id, minutes)
}

// CancelShutdown clears the active schedule. The countdown goroutine keeps
// sleeping until its next check, then exits without stopping anything.
func (c *Controller) CancelShutdown(id int64) (res types.OpResult) {
	defer c.opGuard("cancel-shutdown", &res)

	c.schedMu.Lock()
	res = CancelScheduledShutdown(c.cfg, id)
	c.schedMu.Unlock()

	if !res.Success {
		return c.fail("cancel-shutdown", "%s", res.Message)
	}
	c.logger.Info().Int64("instance", id).Msg("scheduled shutdown cancelled")
	return res
}

// ScheduledShutdown reports the active schedule for an instance, if any.
func (c *Controller) ScheduledShutdown(id int64) (minutes int, issuedAt time.Time, ok bool) {
	marker, err := readMarker(ShutdownMarkerPath(c.cfg, id))
	if err != nil || marker == nil {
		return 0, time.Time{}, false
	}
	return marker.Minutes, marker.IssuedAt, true
}

func (c *Controller) isActive(id int64, s *shutdownSchedule) bool {
	marker, err := readMarker(ShutdownMarkerPath(c.cfg, id))
	if err != nil {
		c.logger.Warn().Int64("instance", id).Err(err).Msg("shutdown marker unreadable, countdown abandoned")
		return false
	}
	return marker != nil && marker.Token == s.token
}

// takeIfActive atomically claims the final stop: it clears the marker only
// if s still holds the active token, so exactly one goroutine ever proceeds.
func (c *Controller) takeIfActive(id int64, s *shutdownSchedule) bool {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	path := ShutdownMarkerPath(c.cfg, id)
	marker, err := readMarker(path)
	if err != nil || marker == nil || marker.Token != s.token {
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn().Int64("instance", id).Err(err).Msg("failed to clear shutdown marker")
	}
	return true
}

// countdown broadcasts every full minute until the last minute, then every
// second through the final 30 seconds, and stops the instance at zero.
// Broadcasts are best-effort; a dead console never delays the shutdown.
func (c *Controller) countdown(desc *types.InstanceDescriptor, s *shutdownSchedule) {
	addr := consoleAddr(desc)
	remaining := s.minutes * 60

	for remaining > 0 {
		if !c.isActive(desc.ID, s) {
			return
		}

		var step int
		switch {
		case remaining > 60:
			c.broadcast(desc, addr, fmt.Sprintf("Server shutting down in %d minutes", remaining/60))
			step = 60
		case remaining > 30:
			c.broadcast(desc, addr, "Server shutting down in 1 minute")
			step = remaining - 30
		default:
			c.broadcast(desc, addr, fmt.Sprintf("Server shutting down in %d seconds", remaining))
			step = 1
		}

		time.Sleep(time.Duration(step) * c.second)
		remaining -= step
	}

	if !c.takeIfActive(desc.ID, s) {
		return
	}

	c.logger.Info().Int64("instance", desc.ID).Msg("scheduled shutdown reached zero")
	if res := c.Stop(context.Background(), desc.ID); !res.Success {
		c.logger.Error().Int64("instance", desc.ID).Str("message", res.Message).
			Msg("scheduled shutdown failed to stop instance")
	}
}

func (c *Controller) broadcast(desc *types.InstanceDescriptor, addr, msg string) {
	if err := c.console.Broadcast(addr, desc.AdminPassword, msg); err != nil {
		c.logger.Debug().Int64("instance", desc.ID).Err(err).Msg("countdown broadcast failed")
	}
}
