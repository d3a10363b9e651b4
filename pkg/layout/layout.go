package layout

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/types"
)

// Names of the entries inside an instance root. The server tooling expects
// save state under ShooterGame/Saved of the install tree, so the save dir is
// linked back into the install target as well.
const (
	installLinkName  = "ServerFiles"
	saveDirName      = "Saved"
	backupDirSuffix  = "_backups"
	installSavedPath = "ShooterGame/Saved"
)

// Manager builds and repairs the per-instance directory layout: shared
// install link, dedicated save-state directory, backup directory. All
// operations are idempotent so Ensure runs on every start.
type Manager struct {
	basePath     string
	installPath  string
	templatePath string

	// uid/gid the container runs as; the save dir is owned by it on the host.
	uid int
	gid int

	logger zerolog.Logger

	// chown and ownerUID are swapped out in tests, which run unprivileged.
	chown    func(path string, uid, gid int) error
	ownerUID func(path string) (int, error)
}

// NewManager creates a layout manager from configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		basePath:     cfg.BasePath,
		installPath:  cfg.InstallPath,
		templatePath: cfg.TemplatePath,
		uid:          cfg.ContainerUID,
		gid:          cfg.ContainerGID,
		logger:       log.WithComponent("layout"),
		chown:        os.Chown,
		ownerUID:     statOwnerUID,
	}
}

// Layout derives every path for an instance without touching the filesystem.
// Cluster members live under clusters/<clusterId> instead of the owner tree.
func (m *Manager) Layout(desc *types.InstanceDescriptor) *types.StorageLayout {
	var parent string
	if desc.ClusterID != "" {
		parent = filepath.Join(m.basePath, "clusters", desc.ClusterID)
	} else {
		parent = filepath.Join(m.basePath, "owners", fmt.Sprintf("%d", desc.OwnerID))
	}

	root := filepath.Join(parent, fmt.Sprintf("server_%d", desc.ID))
	saveDir := filepath.Join(root, saveDirName)

	return &types.StorageLayout{
		InstanceRoot:        root,
		SharedInstallLink:   filepath.Join(root, installLinkName),
		SharedInstallTarget: m.installTarget(desc),
		SaveDir:             saveDir,
		ConfigDir:           filepath.Join(saveDir, "Config", "WindowsServer"),
		WorldDir:            filepath.Join(saveDir, "SavedArks"),
		LogDir:              filepath.Join(saveDir, "Logs"),
		BackupDir:           root + backupDirSuffix,
	}
}

func (m *Manager) installTarget(desc *types.InstanceDescriptor) string {
	return filepath.Join(m.installPath, fmt.Sprintf("%d", desc.OwnerID))
}

// Ensure builds the full on-disk layout for an instance and returns the
// resolved paths. It is called before every start: ownership of the save dir
// is re-verified each time, and a pre-existing layout passes through
// unchanged.
func (m *Manager) Ensure(desc *types.InstanceDescriptor) (*types.StorageLayout, error) {
	l := m.Layout(desc)

	// The shared install base is created by a separate installer, often as
	// root. A wrongly-owned base poisons every directory created below it, so
	// it is checked before anything else.
	if err := os.MkdirAll(m.installPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create install base: %w", err)
	}
	switch out := m.repairOwnership(m.installPath); out.State {
	case RepairFailed:
		return nil, fmt.Errorf("install base %s has wrong ownership and could not be repaired", m.installPath)
	case RenamedAside:
		if err := os.MkdirAll(m.installPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to recreate install base: %w", err)
		}
	}
	if err := os.MkdirAll(l.SharedInstallTarget, 0755); err != nil {
		return nil, fmt.Errorf("failed to create owner install dir: %w", err)
	}

	// Instance root ownership is fixed before any child exists: a child made
	// under a wrongly-owned parent inherits the problem.
	if err := os.MkdirAll(filepath.Dir(l.InstanceRoot), 0755); err != nil {
		return nil, fmt.Errorf("failed to create instance parent dir: %w", err)
	}
	if err := os.MkdirAll(l.InstanceRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create instance root: %w", err)
	}
	switch out := m.repairOwnership(l.InstanceRoot); out.State {
	case RepairFailed:
		return nil, fmt.Errorf("instance root %s has wrong ownership and could not be repaired", l.InstanceRoot)
	case RenamedAside:
		if err := os.MkdirAll(l.InstanceRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to recreate instance root: %w", err)
		}
	}

	if err := replaceSymlink(l.SharedInstallTarget, l.SharedInstallLink); err != nil {
		return nil, err
	}

	firstCreation := false
	if _, err := os.Stat(l.SaveDir); os.IsNotExist(err) {
		firstCreation = true
	}
	for _, dir := range []string{l.ConfigDir, l.WorldDir, l.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create save subdir: %w", err)
		}
	}

	if firstCreation {
		if err := m.seedConfig(l.ConfigDir); err != nil {
			return nil, err
		}
	}

	// The container runs as a fixed non-root user; a host-side owner mismatch
	// on the save dir surfaces in-container as bare permission errors.
	if err := m.chownTree(l.SaveDir); err != nil {
		return nil, fmt.Errorf("failed to chown save dir: %w", err)
	}

	// Tooling that walks the install tree expects save state at
	// ShooterGame/Saved; link it back to the real save dir.
	installSaved := filepath.Join(l.SharedInstallTarget, installSavedPath)
	if err := os.MkdirAll(filepath.Dir(installSaved), 0755); err != nil {
		return nil, fmt.Errorf("failed to create install ShooterGame dir: %w", err)
	}
	if err := replaceSymlink(l.SaveDir, installSaved); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	return l, nil
}

// RelinkSharedInstall repoints the instance's install link, e.g. after the
// instance moves into or out of a cluster. Save state is untouched.
func (m *Manager) RelinkSharedInstall(desc *types.InstanceDescriptor) error {
	l := m.Layout(desc)
	if err := os.MkdirAll(l.SharedInstallTarget, 0755); err != nil {
		return fmt.Errorf("failed to create owner install dir: %w", err)
	}
	return replaceSymlink(l.SharedInstallTarget, l.SharedInstallLink)
}

// Destroy removes the instance root and everything under it. Backups are a
// sibling directory and survive so an operator can still restore elsewhere.
func (m *Manager) Destroy(desc *types.InstanceDescriptor) error {
	l := m.Layout(desc)

	// Drop the save-state link inside the install tree first; a dangling link
	// there confuses the installer.
	installSaved := filepath.Join(l.SharedInstallTarget, installSavedPath)
	if fi, err := os.Lstat(installSaved); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if target, err := os.Readlink(installSaved); err == nil && target == l.SaveDir {
			if err := os.Remove(installSaved); err != nil {
				return fmt.Errorf("failed to remove install save link: %w", err)
			}
		}
	}

	if err := os.RemoveAll(l.InstanceRoot); err != nil {
		return fmt.Errorf("failed to remove instance root: %w", err)
	}
	return nil
}

// replaceSymlink makes link point at target, replacing whatever was there.
// A real directory at the link path is removed only when empty; anything with
// content is somebody's data and aborts the operation.
func replaceSymlink(target, link string) error {
	fi, err := os.Lstat(link)
	if err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			current, err := os.Readlink(link)
			if err == nil && current == target {
				return nil
			}
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("failed to remove stale link %s: %w", link, err)
			}
		} else if fi.IsDir() {
			entries, err := os.ReadDir(link)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", link, err)
			}
			if len(entries) > 0 {
				return fmt.Errorf("refusing to replace non-empty directory %s with a link", link)
			}
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("failed to remove empty dir %s: %w", link, err)
			}
		} else {
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("failed to remove %s: %w", link, err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", link, err)
	}

	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", link, target, err)
	}
	return nil
}

// seedConfig copies the template tree into a fresh config dir. It never runs
// against a dir that already has content, and no template configured is fine.
func (m *Manager) seedConfig(configDir string) error {
	if m.templatePath == "" {
		return nil
	}
	if _, err := os.Stat(m.templatePath); os.IsNotExist(err) {
		m.logger.Warn().Str("template", m.templatePath).Msg("config template dir missing, skipping seed")
		return nil
	}

	entries, err := os.ReadDir(configDir)
	if err != nil {
		return fmt.Errorf("failed to read config dir: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}

	return filepath.WalkDir(m.templatePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.templatePath, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(configDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		return copyFile(path, dst)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open template file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy template file to %s: %w", dst, err)
	}
	return nil
}

// chownTree sets the container runtime's uid/gid on every entry under root,
// including root itself.
func (m *Manager) chownTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return m.chown(path, m.uid, m.gid)
	})
}

// RepairState classifies the outcome of an ownership repair attempt.
type RepairState int

const (
	// Repaired means ownership was already correct or was fixed in place.
	Repaired RepairState = iota
	// RenamedAside means the directory could not be fixed and was moved out
	// of the way; AsidePath names where it went.
	RenamedAside
	// RepairFailed means neither fixing nor renaming worked.
	RepairFailed
)

// RepairOutcome is the result of repairOwnership.
type RepairOutcome struct {
	State     RepairState
	AsidePath string
}

// repairOwnership makes sure path is usable by this process. Directories
// created by a privileged installer end up root-owned and unwritable by the
// service; chown in place is tried first, then the directory is renamed aside
// so provisioning can recreate it cleanly. A rename is destructive from the
// instance's point of view and always logged loudly.
func (m *Manager) repairOwnership(path string) RepairOutcome {
	uid, err := m.ownerUID(path)
	if err != nil {
		return RepairOutcome{State: RepairFailed}
	}
	if uid == os.Getuid() {
		return RepairOutcome{State: Repaired}
	}

	if err := m.chown(path, os.Getuid(), os.Getgid()); err == nil {
		m.logger.Warn().Str("path", path).Int("previous_uid", uid).
			Msg("repaired wrong-owner directory in place")
		return RepairOutcome{State: Repaired}
	}

	aside := fmt.Sprintf("%s.wrong-owner.%d", path, time.Now().Unix())
	if err := os.Rename(path, aside); err != nil {
		m.logger.Error().Err(err).Str("path", path).
			Msg("wrong-owner directory could not be repaired or renamed aside")
		return RepairOutcome{State: RepairFailed}
	}

	m.logger.Error().Str("path", path).Str("renamed_to", aside).
		Msg("wrong-owner directory renamed aside, environment needs manual remediation")
	return RepairOutcome{State: RenamedAside, AsidePath: aside}
}

func statOwnerUID(path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return os.Getuid(), nil
	}
	return int(st.Uid), nil
}
