package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zedinhost/arkd/pkg/backup"
	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/layout"
	"github.com/zedinhost/arkd/pkg/ports"
	"github.com/zedinhost/arkd/pkg/runtime"
	"github.com/zedinhost/arkd/pkg/store"
	"github.com/zedinhost/arkd/pkg/types"
)

// fakeRuntime is an in-memory container table.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// exitOnStart makes every started container die immediately with
	// exitCode, with startLogContent captured to the log file.
	exitOnStart     bool
	exitCode        uint32
	startLogContent string

	panicOnStatus bool

	// onCreate observes the moment the container is built, before it runs.
	onCreate func()

	stopCalls   int
	removeCalls int
}

type fakeContainer struct {
	state    runtime.State
	exitCode uint32
	spec     *types.ContainerRunSpec
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Create(_ context.Context, spec *types.ContainerRunSpec) error {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[spec.Name] = &fakeContainer{state: runtime.StateCreated, spec: spec}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, name, logPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[name]
	if f.exitOnStart {
		c.state = runtime.StateStopped
		c.exitCode = f.exitCode
	} else {
		c.state = runtime.StateRunning
	}
	if logPath != "" {
		_ = os.WriteFile(logPath, []byte(f.startLogContent), 0644)
	}
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if c, ok := f.containers[name]; ok {
		c.state = runtime.StateStopped
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Status(_ context.Context, name string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnStatus {
		panic("status observation blew up")
	}
	c, ok := f.containers[name]
	if !ok {
		return runtime.Status{State: runtime.StateNotFound}, nil
	}
	return runtime.Status{State: c.state, ExitCode: c.exitCode}, nil
}

func (f *fakeRuntime) setRunning(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &fakeContainer{state: runtime.StateRunning}
}

func (f *fakeRuntime) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return ok && c.state == runtime.StateRunning
}

func (f *fakeRuntime) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

// fakeConsole records commands; the game process "self-exits" on Shutdown
// when wired to the runtime.
type fakeConsole struct {
	mu         sync.Mutex
	available  bool
	saves      int
	shutdowns  int
	broadcasts []string

	onShutdown func()
}

func (f *fakeConsole) Available(_, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeConsole) SaveWorld(_, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeConsole) Shutdown(_, _ string) error {
	f.mu.Lock()
	f.shutdowns++
	fn := f.onShutdown
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeConsole) Broadcast(_, _, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeConsole) broadcastLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.broadcasts...)
}

type testEnv struct {
	cfg     *config.Config
	ctrl    *Controller
	store   *store.Store
	layout  *layout.Manager
	runtime *fakeRuntime
	console *fakeConsole
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.BasePath = base
	cfg.InstallPath = filepath.Join(base, "installs")
	cfg.DataDir = filepath.Join(base, "data")
	// Chown targets the test user itself so layout building works
	// unprivileged.
	cfg.ContainerUID = os.Getuid()
	cfg.ContainerGID = os.Getgid()
	cfg.StartPollTimeout = 2 * time.Second
	cfg.StopGraceTimeout = 100 * time.Millisecond
	cfg.GlobalBackupCap = ""

	st, err := store.Open(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lm := layout.NewManager(cfg)
	alloc := ports.NewAllocatorWithProbe(st, cfg.DefaultGamePort, cfg.ConsolePortBase, func(int) bool { return true })

	bm, err := backup.NewManager(cfg, lm, st)
	require.NoError(t, err)

	rt := newFakeRuntime()
	ctrl := NewController(cfg, st, lm, alloc, bm, rt)
	ctrl.pollInterval = 5 * time.Millisecond
	ctrl.confirmWindow = 20 * time.Millisecond
	ctrl.second = time.Millisecond

	console := &fakeConsole{}
	ctrl.console = console

	return &testEnv{cfg: cfg, ctrl: ctrl, store: st, layout: lm, runtime: rt, console: console}
}

func (e *testEnv) putInstance(t *testing.T, id int64) *types.InstanceDescriptor {
	t.Helper()
	desc := &types.InstanceDescriptor{
		ID:            id,
		OwnerID:       1,
		Name:          "Test Server",
		MapName:       "TheIsland",
		AdminPassword: "hunter2",
		MaxPlayers:    20,
		Status:        types.StatusStopped,
	}
	require.NoError(t, e.store.Put(desc))
	return desc
}

func TestStartHappyPath(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)

	res := e.ctrl.Start(context.Background(), 1)
	require.True(t, res.Success, res.Message)
	assert.NotEmpty(t, res.LogFile)
	assert.True(t, e.runtime.isRunning(desc.ContainerName()))

	stored, err := e.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
	require.NotNil(t, stored.StartedAt)
	assert.Equal(t, 7777, stored.Port)
	assert.Equal(t, 7779, stored.QueryPort)
	assert.Equal(t, 27015, stored.ConsolePort)
	assert.NotEmpty(t, stored.StoragePath)

	// The run spec and launch command are cached in the instance root.
	_, err = os.Stat(filepath.Join(stored.StoragePath, "container.yaml"))
	assert.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(stored.StoragePath, "start_command.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `TheIsland_WP?listen?SessionName="Test Server"`)
	assert.Contains(t, string(data), "-Port=7777 -QueryPort=7779")
}

func TestStartRejectsAlreadyRunning(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)
	e.runtime.setRunning(desc.ContainerName())

	res := e.ctrl.Start(context.Background(), 1)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already running")
}

func TestStartUnknownInstanceFails(t *testing.T) {
	e := newTestEnv(t)

	res := e.ctrl.Start(context.Background(), 404)
	assert.False(t, res.Success)
}

func TestStartWithoutAdminPasswordFails(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)
	desc.AdminPassword = ""
	require.NoError(t, e.store.Put(desc))

	res := e.ctrl.Start(context.Background(), 1)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "admin password")
}

func TestStartEarlyExitCapturesDiagnostics(t *testing.T) {
	e := newTestEnv(t)
	e.putInstance(t, 1)
	e.runtime.exitOnStart = true
	e.runtime.exitCode = 42
	e.runtime.startLogContent = "entrypoint: fatal: missing server files\n"

	res := e.ctrl.Start(context.Background(), 1)
	require.False(t, res.Success)
	assert.Contains(t, res.Message, "code 42")
	assert.Contains(t, res.Message, "missing server files")
	assert.NotEmpty(t, res.LogFile)

	stored, err := e.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, stored.Status)
}

func TestStartPersistsStartingStatusDuringLaunch(t *testing.T) {
	e := newTestEnv(t)
	e.putInstance(t, 1)

	// Observe the stored status at the moment the container is built; the
	// port-assignment write must not revert it to stopped.
	var observed types.InstanceStatus
	e.runtime.onCreate = func() {
		if stored, err := e.store.Get(1); err == nil {
			observed = stored.Status
		}
	}

	res := e.ctrl.Start(context.Background(), 1)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, types.StatusStarting, observed)
}

func TestStartPanicBecomesFailureResult(t *testing.T) {
	e := newTestEnv(t)
	e.putInstance(t, 1)
	e.runtime.panicOnStatus = true

	res := e.ctrl.Start(context.Background(), 1)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "internal error")
}

func startRunning(t *testing.T, e *testEnv, id int64) *types.InstanceDescriptor {
	t.Helper()
	e.putInstance(t, id)
	res := e.ctrl.Start(context.Background(), id)
	require.True(t, res.Success, res.Message)
	stored, err := e.store.Get(id)
	require.NoError(t, err)
	return stored
}

func TestStopWithReachableConsole(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)

	e.console.available = true
	e.console.onShutdown = func() {
		// Game process exits on its own after DoExit.
		_ = e.runtime.Stop(context.Background(), desc.ContainerName(), 0)
	}

	res := e.ctrl.Stop(context.Background(), 1)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, e.console.saves)
	assert.Equal(t, 1, e.console.shutdowns)
	assert.False(t, e.runtime.isRunning(desc.ContainerName()))

	stored, err := e.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

func TestStopProceedsWithoutConsole(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)
	e.console.available = false

	res := e.ctrl.Stop(context.Background(), 1)
	require.True(t, res.Success, res.Message)
	assert.Zero(t, e.console.saves)
	assert.False(t, e.runtime.isRunning(desc.ContainerName()))
}

func TestRestartSavesThenCycles(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)
	e.console.available = true

	res := e.ctrl.Restart(context.Background(), 1)
	require.True(t, res.Success, res.Message)
	assert.GreaterOrEqual(t, e.console.saves, 1)
	assert.True(t, e.runtime.isRunning(desc.ContainerName()))

	stored, err := e.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, stored.Status)
}

func TestStatusCorrectsOutOfBandDeath(t *testing.T) {
	e := newTestEnv(t)
	desc := startRunning(t, e, 1)

	// Container dies behind the orchestrator's back.
	require.NoError(t, e.runtime.Stop(context.Background(), desc.ContainerName(), 0))
	require.NoError(t, e.runtime.Remove(context.Background(), desc.ContainerName()))

	status, err := e.ctrl.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, status)

	stored, err := e.store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, stored.Status)
}

func TestLogsPreferGameLog(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)
	l, err := e.layout.Ensure(desc)
	require.NoError(t, err)

	gameLog := filepath.Join(l.LogDir, "ShooterGame.log")
	require.NoError(t, os.WriteFile(gameLog, []byte("line1\nline2\nline3\n"), 0644))

	out, err := e.ctrl.Logs(1, 2)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3", out)
}

func TestLogsFallBackToFilteredStartupLog(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)
	l, err := e.layout.Ensure(desc)
	require.NoError(t, err)

	startup := filepath.Join(l.InstanceRoot, "startup_log_20260801_120000.txt")
	content := "entrypoint: syncing server files\nentrypoint: launching\nLog file open, 08/01/26\n[2026.08.01] server ready\n"
	require.NoError(t, os.WriteFile(startup, []byte(content), 0644))

	out, err := e.ctrl.Logs(1, 0)
	require.NoError(t, err)
	assert.NotContains(t, out, "syncing server files")
	assert.Contains(t, out, "Log file open")
	assert.Contains(t, out, "server ready")
}

func TestStopExpiredSkipsStoppedInstances(t *testing.T) {
	e := newTestEnv(t)
	running := startRunning(t, e, 1)
	e.putInstance(t, 2)

	results := e.ctrl.StopExpired(context.Background(), []int64{1, 2})
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Contains(t, results[2].Message, "already stopped")
	assert.False(t, e.runtime.isRunning(running.ContainerName()))
}

func TestAutoBackupSweep(t *testing.T) {
	e := newTestEnv(t)
	desc := e.putInstance(t, 1)
	desc.AutoBackupIntervalHours = 1
	require.NoError(t, e.store.Put(desc))
	_, err := e.layout.Ensure(desc)
	require.NoError(t, err)

	created, err := e.ctrl.AutoBackupSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// A fresh archive exists, so an immediate second sweep does nothing.
	created, err = e.ctrl.AutoBackupSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)
}
