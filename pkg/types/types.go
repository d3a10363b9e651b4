package types

import (
	"fmt"
	"time"
)

// InstanceStatus represents the lifecycle state of a server instance.
type InstanceStatus string

const (
	StatusStopped    InstanceStatus = "stopped"
	StatusStarting   InstanceStatus = "starting"
	StatusRunning    InstanceStatus = "running"
	StatusRestarting InstanceStatus = "restarting"
)

// InstanceDescriptor is the desired configuration for one dedicated server
// instance. The web layer owns its fields; the orchestrator derives all
// on-disk paths and the container name from ID and OwnerID.
type InstanceDescriptor struct {
	ID        int64  `json:"id" yaml:"id"`
	OwnerID   int64  `json:"owner_id" yaml:"owner_id"`
	ClusterID string `json:"cluster_id,omitempty" yaml:"cluster_id,omitempty"`

	Name       string `json:"name" yaml:"name"`
	MapName    string `json:"map_name" yaml:"map_name"`
	MaxPlayers int    `json:"max_players" yaml:"max_players"`

	Port        int `json:"port" yaml:"port"`
	QueryPort   int `json:"query_port" yaml:"query_port"`
	ConsolePort int `json:"console_port" yaml:"console_port"`

	AdminPassword string `json:"admin_password" yaml:"admin_password"`
	JoinPassword  string `json:"join_password,omitempty" yaml:"join_password,omitempty"`

	ActiveMods  []string `json:"active_mods,omitempty" yaml:"active_mods,omitempty"`
	PassiveMods []string `json:"passive_mods,omitempty" yaml:"passive_mods,omitempty"`

	// RAMLimitGB plus PurchasedRAMGB is the container memory ceiling in
	// gibibytes. Zero means no limit.
	RAMLimitGB     int `json:"ram_limit_gb,omitempty" yaml:"ram_limit_gb,omitempty"`
	PurchasedRAMGB int `json:"purchased_ram_gb,omitempty" yaml:"purchased_ram_gb,omitempty"`

	// AutoBackupIntervalHours of zero disables interval backups.
	AutoBackupIntervalHours int `json:"auto_backup_interval_hours,omitempty" yaml:"auto_backup_interval_hours,omitempty"`

	// CustomArgs is appended verbatim to the launch command.
	CustomArgs string `json:"custom_args,omitempty" yaml:"custom_args,omitempty"`

	Status    InstanceStatus `json:"status" yaml:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`

	// StoragePath is the resolved instance root, set once provisioned.
	StoragePath string `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
}

// ContainerName returns the deterministic container name for an instance.
func (d *InstanceDescriptor) ContainerName() string {
	return fmt.Sprintf("asa-server-%d", d.ID)
}

// MemoryLimitGB returns the combined memory ceiling, zero meaning unlimited.
func (d *InstanceDescriptor) MemoryLimitGB() int {
	return d.RAMLimitGB + d.PurchasedRAMGB
}

// StorageLayout holds every resolved path an instance depends on. It is
// computed once by the layout manager and passed around so call sites never
// re-derive paths or re-check where a symlink points.
type StorageLayout struct {
	// InstanceRoot is the per-instance directory owning everything below.
	InstanceRoot string

	// SharedInstallLink is the symlink inside InstanceRoot pointing at the
	// owner-scoped shared install tree.
	SharedInstallLink string

	// SharedInstallTarget is the resolved target of SharedInstallLink.
	SharedInstallTarget string

	// SaveDir is the dedicated mutable save-state directory (world data,
	// config, logs). Never shared, never deleted except on instance delete.
	SaveDir string

	ConfigDir string // SaveDir/Config/WindowsServer
	WorldDir  string // SaveDir/SavedArks
	LogDir    string // SaveDir/Logs

	// BackupDir is a sibling of InstanceRoot so archives are never included
	// in future backups.
	BackupDir string
}

// PortBinding publishes a host port to the same port inside the container.
type PortBinding struct {
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "tcp" or "udp"
}

// BindMount is a host directory bind-mounted into the container.
type BindMount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// ContainerRunSpec is the declarative description used to launch an
// instance's container. It is rebuilt from scratch on every start or edit;
// nothing ever diffs it against a previous version.
type ContainerRunSpec struct {
	Name        string        `yaml:"name"`
	Image       string        `yaml:"image"`
	Ports       []PortBinding `yaml:"ports"`
	Mounts      []BindMount   `yaml:"mounts"`
	Env         []string      `yaml:"env"`
	MemoryBytes int64         `yaml:"memory_bytes,omitempty"`

	// LaunchCommand mirrors what the in-container entrypoint executes.
	// Debugging artifact only; cached in start_command.txt.
	LaunchCommand string `yaml:"launch_command"`
}

// ShutdownMarker is the durable record of a scheduled shutdown. The countdown
// goroutine re-reads it before every broadcast, so any process that can reach
// the marker can cancel or supersede a countdown started elsewhere.
type ShutdownMarker struct {
	InstanceID int64     `json:"instance_id"`
	Token      string    `json:"token"`
	Minutes    int       `json:"minutes"`
	IssuedAt   time.Time `json:"issued_at"`
}

// BackupRecord describes one archive in an instance's backup store. It is
// observed from the filesystem, never persisted elsewhere.
type BackupRecord struct {
	Name      string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// OpResult is the structured outcome of every externally invoked operation.
// Expected failures (port conflicts, already running, runtime unavailable)
// arrive here, not as errors.
type OpResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// LogFile references the captured startup log for start operations.
	LogFile string `json:"log_file,omitempty"`
}

// Failuref builds a failed result from a format string.
func Failuref(format string, args ...any) OpResult {
	return OpResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Successf builds a successful result from a format string.
func Successf(format string, args ...any) OpResult {
	return OpResult{Success: true, Message: fmt.Sprintf(format, args...)}
}
