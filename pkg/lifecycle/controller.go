package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zedinhost/arkd/pkg/arkconfig"
	"github.com/zedinhost/arkd/pkg/backup"
	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/layout"
	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/metrics"
	"github.com/zedinhost/arkd/pkg/ports"
	"github.com/zedinhost/arkd/pkg/runspec"
	"github.com/zedinhost/arkd/pkg/runtime"
	"github.com/zedinhost/arkd/pkg/store"
	"github.com/zedinhost/arkd/pkg/types"
)

// Runtime is the container runtime surface the controller drives. Implemented
// by runtime.ContainerdRuntime; faked in tests.
type Runtime interface {
	Create(ctx context.Context, spec *types.ContainerRunSpec) error
	Start(ctx context.Context, name, logPath string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (runtime.Status, error)
}

// Controller runs the instance state machine. Every public operation returns
// a structured OpResult; expected failure modes (already running, port
// conflicts, runtime unavailable) are results, not errors, and panics are
// converted at the operation boundary so callers never see a raw stack.
type Controller struct {
	cfg       *config.Config
	store     *store.Store
	layout    *layout.Manager
	allocator *ports.Allocator
	builder   *runspec.Builder
	backups   *backup.Manager
	runtime   Runtime
	console   Console
	logger    zerolog.Logger

	// pollInterval and confirmWindow pace the post-start watch; shrunk in
	// tests.
	pollInterval  time.Duration
	confirmWindow time.Duration

	// schedMu serializes marker read-modify-delete within this process; the
	// marker file itself is the cross-process source of truth.
	schedMu sync.Mutex
	// second scales the countdown clock; tests shrink it.
	second time.Duration
}

// NewController wires the controller from its collaborators.
func NewController(cfg *config.Config, st *store.Store, lm *layout.Manager, alloc *ports.Allocator, bm *backup.Manager, rt Runtime) *Controller {
	return &Controller{
		cfg:           cfg,
		store:         st,
		layout:        lm,
		allocator:     alloc,
		builder:       runspec.NewBuilder(cfg),
		backups:       bm,
		runtime:       rt,
		console:       rconConsole{timeout: cfg.RCONTimeout},
		logger:        log.WithComponent("lifecycle"),
		pollInterval:  time.Second,
		confirmWindow: 5 * time.Second,
		second:        time.Second,
	}
}

// opGuard converts a panic into a failed result at the operation boundary.
func (c *Controller) opGuard(op string, res *types.OpResult) {
	if r := recover(); r != nil {
		c.logger.Error().Str("operation", op).Interface("panic", r).Msg("operation panicked")
		metrics.OperationFailures.WithLabelValues(op).Inc()
		*res = types.Failuref("internal error during %s: %v", op, r)
	}
}

func (c *Controller) fail(op string, format string, args ...any) types.OpResult {
	metrics.OperationFailures.WithLabelValues(op).Inc()
	res := types.Failuref(format, args...)
	c.logger.Warn().Str("operation", op).Msg(res.Message)
	return res
}

func consoleAddr(desc *types.InstanceDescriptor) string {
	return fmt.Sprintf("127.0.0.1:%d", desc.ConsolePort)
}

// Start provisions and launches an instance. The live runtime is the source
// of truth for "already running"; cached status is never trusted for the
// pre-check.
func (c *Controller) Start(ctx context.Context, id int64) (res types.OpResult) {
	defer c.opGuard("start", &res)
	began := time.Now()

	desc, err := c.store.Get(id)
	if err != nil {
		return c.fail("start", "instance %d: %v", id, err)
	}
	name := desc.ContainerName()

	status, err := c.runtime.Status(ctx, name)
	if err != nil {
		return c.fail("start", "container runtime unavailable: %v", err)
	}
	if status.State == runtime.StateRunning {
		return c.fail("start", "instance %d is already running", id)
	}
	if status.State != runtime.StateNotFound {
		// Leftover container from a previous run or crash.
		if err := c.runtime.Stop(ctx, name, 10*time.Second); err != nil {
			return c.fail("start", "failed to clear stale container: %v", err)
		}
		if err := c.runtime.Remove(ctx, name); err != nil {
			return c.fail("start", "failed to clear stale container: %v", err)
		}
	}

	if desc.Status != types.StatusRestarting {
		// Mutate the in-memory descriptor too; it is persisted again below
		// once ports are assigned, and must not carry the stale status.
		desc.Status = types.StatusStarting
		desc.StartedAt = nil
		if err := c.store.SetStatus(id, types.StatusStarting, nil); err != nil {
			return c.fail("start", "failed to persist status: %v", err)
		}
	}

	l, err := c.layout.Ensure(desc)
	if err != nil {
		return c.fail("start", "failed to build instance layout: %v", err)
	}
	desc.StoragePath = l.InstanceRoot

	if err := c.allocator.Fill(desc); err != nil {
		return c.fail("start", "port allocation failed: %v", err)
	}
	if err := c.store.Put(desc); err != nil {
		return c.fail("start", "failed to persist instance: %v", err)
	}

	if err := arkconfig.ApplyDescriptor(l.ConfigDir, desc); err != nil {
		return c.fail("start", "failed to write config: %v", err)
	}
	sections, err := arkconfig.Parse(filepath.Join(l.ConfigDir, arkconfig.GameUserSettingsFile))
	if err != nil {
		return c.fail("start", "failed to read config: %v", err)
	}

	spec, err := c.builder.Build(desc, l, sections)
	if err != nil {
		return c.fail("start", "failed to build run spec: %v", err)
	}
	if err := runspec.Persist(l, spec); err != nil {
		return c.fail("start", "failed to persist run spec: %v", err)
	}

	logPath := filepath.Join(l.InstanceRoot, fmt.Sprintf("startup_log_%s.txt", time.Now().Format("20060102_150405")))

	if err := c.runtime.Create(ctx, spec); err != nil {
		return c.fail("start", "failed to create container: %v", err)
	}
	if err := c.runtime.Start(ctx, name, logPath); err != nil {
		_ = c.runtime.Remove(ctx, name)
		return c.fail("start", "failed to start container: %v", err)
	}

	if res := c.watchStartup(ctx, name, logPath); !res.Success {
		metrics.OperationFailures.WithLabelValues("start").Inc()
		_ = c.store.SetStatus(id, types.StatusStopped, nil)
		return res
	}

	now := time.Now()
	if err := c.store.SetStatus(id, types.StatusRunning, &now); err != nil {
		return c.fail("start", "failed to persist status: %v", err)
	}

	metrics.StartsTotal.Inc()
	metrics.StartDuration.Observe(time.Since(began).Seconds())
	c.logger.Info().Int64("instance", id).Str("container", name).Msg("instance running")

	res = types.Successf("instance %d is running", id)
	res.LogFile = logPath
	return res
}

// watchStartup polls the fresh container until it has stayed up through the
// confirmation window. An early exit is reported with status, exit code and
// the tail of the captured log instead of a bare failure.
func (c *Controller) watchStartup(ctx context.Context, name, logPath string) types.OpResult {
	confirmBy := time.Now().Add(c.confirmWindow)
	deadline := time.Now().Add(c.cfg.StartPollTimeout)

	for {
		status, err := c.runtime.Status(ctx, name)
		if err != nil {
			return types.Failuref("lost the container runtime while starting: %v", err)
		}

		switch status.State {
		case runtime.StateRunning:
			if !time.Now().Before(confirmBy) {
				return types.OpResult{Success: true}
			}
		case runtime.StateStopped:
			res := types.Failuref("container exited during startup with code %d: %s",
				status.ExitCode, tailFile(logPath, 10))
			res.LogFile = logPath
			return res
		case runtime.StateNotFound:
			return types.Failuref("container disappeared during startup")
		}

		if time.Now().After(deadline) {
			res := types.Failuref("container did not reach running state within %s", c.cfg.StartPollTimeout)
			res.LogFile = logPath
			return res
		}
		time.Sleep(c.pollInterval)
	}
}

// Stop shuts an instance down. RCON save/exit is an optimization against
// data loss only; the runtime teardown at the end runs no matter what and is
// the authoritative stopped signal.
func (c *Controller) Stop(ctx context.Context, id int64) (res types.OpResult) {
	defer c.opGuard("stop", &res)

	desc, err := c.store.Get(id)
	if err != nil {
		return c.fail("stop", "instance %d: %v", id, err)
	}
	name := desc.ContainerName()
	addr := consoleAddr(desc)

	if c.console.Available(addr, desc.AdminPassword) {
		if err := c.console.SaveWorld(addr, desc.AdminPassword); err != nil {
			c.logger.Warn().Int64("instance", id).Err(err).Msg("world save before stop failed")
		}
		if err := c.console.Shutdown(addr, desc.AdminPassword); err != nil {
			c.logger.Warn().Int64("instance", id).Err(err).Msg("graceful exit command failed")
		}
		c.awaitSelfExit(ctx, name)
	} else {
		metrics.ConsoleUnavailable.Inc()
		c.logger.Warn().Int64("instance", id).Msg("console unreachable, stopping without world save")
	}

	if err := c.runtime.Stop(ctx, name, 10*time.Second); err != nil {
		return c.fail("stop", "failed to stop container: %v", err)
	}
	if err := c.runtime.Remove(ctx, name); err != nil {
		return c.fail("stop", "failed to remove container: %v", err)
	}

	if err := c.store.SetStatus(id, types.StatusStopped, nil); err != nil {
		return c.fail("stop", "failed to persist status: %v", err)
	}

	metrics.StopsTotal.Inc()
	c.logger.Info().Int64("instance", id).Msg("instance stopped")
	return types.Successf("instance %d stopped", id)
}

// awaitSelfExit gives the game process a bounded window to exit on its own
// after DoExit, so the world flush completes before the container is torn
// down.
func (c *Controller) awaitSelfExit(ctx context.Context, name string) {
	deadline := time.Now().Add(c.cfg.StopGraceTimeout)
	for time.Now().Before(deadline) {
		status, err := c.runtime.Status(ctx, name)
		if err != nil {
			return
		}
		if status.State != runtime.StateRunning {
			return
		}
		time.Sleep(c.pollInterval)
	}
}

// Restart saves the world best-effort, then stops and starts the instance.
func (c *Controller) Restart(ctx context.Context, id int64) (res types.OpResult) {
	defer c.opGuard("restart", &res)

	desc, err := c.store.Get(id)
	if err != nil {
		return c.fail("restart", "instance %d: %v", id, err)
	}
	if err := c.store.SetStatus(id, types.StatusRestarting, desc.StartedAt); err != nil {
		return c.fail("restart", "failed to persist status: %v", err)
	}

	addr := consoleAddr(desc)
	if c.console.Available(addr, desc.AdminPassword) {
		if err := c.console.SaveWorld(addr, desc.AdminPassword); err != nil {
			c.logger.Warn().Int64("instance", id).Err(err).Msg("world save before restart failed")
		}
	}

	if res := c.Stop(ctx, id); !res.Success {
		return res
	}
	if err := c.store.SetStatus(id, types.StatusRestarting, nil); err != nil {
		return c.fail("restart", "failed to persist status: %v", err)
	}
	return c.Start(ctx, id)
}

// Status reads the live container state and corrects the cached status when
// the container died or appeared out-of-band.
func (c *Controller) Status(ctx context.Context, id int64) (types.InstanceStatus, error) {
	desc, err := c.store.Get(id)
	if err != nil {
		return "", err
	}

	status, err := c.runtime.Status(ctx, desc.ContainerName())
	if err != nil {
		return "", fmt.Errorf("container runtime unavailable: %w", err)
	}

	var live types.InstanceStatus
	if status.State == runtime.StateRunning {
		live = types.StatusRunning
		// Keep transitional states while an operation is in flight.
		if desc.Status == types.StatusStarting || desc.Status == types.StatusRestarting {
			live = desc.Status
		}
	} else {
		live = types.StatusStopped
		if desc.Status == types.StatusStarting || desc.Status == types.StatusRestarting {
			live = desc.Status
		}
	}

	if live != desc.Status {
		if err := c.store.SetStatus(id, live, nil); err != nil {
			return live, err
		}
	}
	return live, nil
}

// Logs returns the newest game output, up to tailLines lines. The persistent
// ShooterGame.log is preferred since it holds only the game's own output;
// the captured startup log includes the container entrypoint's bootstrap
// noise and is filtered from the engine banner onward.
func (c *Controller) Logs(id int64, tailLines int) (string, error) {
	desc, err := c.store.Get(id)
	if err != nil {
		return "", err
	}
	l := c.layout.Layout(desc)

	gameLog := filepath.Join(l.LogDir, "ShooterGame.log")
	if _, err := os.Stat(gameLog); err == nil {
		return tailFile(gameLog, tailLines), nil
	}

	startupLog, err := newestStartupLog(l.InstanceRoot)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(startupLog)
	if err != nil {
		return "", fmt.Errorf("failed to read startup log: %w", err)
	}
	return tailLinesOf(filterFromBanner(string(data)), tailLines), nil
}

// ConsoleAvailable is the liveness probe callers see as "is RCON reachable".
func (c *Controller) ConsoleAvailable(id int64) bool {
	desc, err := c.store.Get(id)
	if err != nil {
		return false
	}
	return c.console.Available(consoleAddr(desc), desc.AdminPassword)
}

func newestStartupLog(instanceRoot string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(instanceRoot, "startup_log_*.txt"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no captured logs for instance at %s", instanceRoot)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// filterFromBanner drops the entrypoint preamble, keeping output from the
// engine's first own log line onward.
func filterFromBanner(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.Contains(line, "Log file open") {
			return strings.Join(lines[i:], "\n")
		}
	}
	return content
}

func tailLinesOf(content string, n int) string {
	if n <= 0 {
		return content
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return tailLinesOf(string(data), n)
}
