package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/layout"
	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/metrics"
	"github.com/zedinhost/arkd/pkg/types"
)

// Archive naming. Every archive wraps the save state in a top-level Saved/
// directory so an extracted backup is recognizable on sight.
const (
	archivePrefix = "backup_"
	safetyPrefix  = "safety_backup_before_restore_"
	archiveSuffix = ".tar.gz"
	timeLayout    = "20060102_150405"
	wrapperDir    = "Saved"
)

// Instances lists every known instance descriptor. Implemented by the
// instance store; the retention policy spans all instances, not just the one
// being archived.
type Instances interface {
	List() ([]*types.InstanceDescriptor, error)
}

// Manager creates, restores and prunes save-state archives. Archives are
// plain files in the per-instance backup directory; the filesystem is the
// only record of them.
type Manager struct {
	layout         *layout.Manager
	instances      Instances
	maxPerInstance int
	globalCapBytes int64
	logger         zerolog.Logger

	now func() time.Time
}

// NewManager creates a backup manager from configuration.
func NewManager(cfg *config.Config, lm *layout.Manager, instances Instances) (*Manager, error) {
	capBytes, err := cfg.GlobalBackupCapBytes()
	if err != nil {
		return nil, err
	}
	return &Manager{
		layout:         lm,
		instances:      instances,
		maxPerInstance: cfg.MaxBackupsPerInstance,
		globalCapBytes: capBytes,
		logger:         log.WithComponent("backup"),
		now:            time.Now,
	}, nil
}

// Create archives the instance's save state. The instance does not need to
// be stopped; a backup taken mid-write is still better than none, and the
// scheduled path saves the world over RCON first. The retention policy runs
// after every archive that lands.
func (m *Manager) Create(desc *types.InstanceDescriptor) (types.BackupRecord, error) {
	l := m.layout.Layout(desc)
	name := archivePrefix + m.now().Format(timeLayout) + archiveSuffix
	rec, err := m.archive(l, name)
	if err != nil {
		return rec, err
	}
	m.enforceRetention()
	return rec, nil
}

func (m *Manager) archive(l *types.StorageLayout, name string) (types.BackupRecord, error) {
	if _, err := os.Stat(l.SaveDir); err != nil {
		return types.BackupRecord{}, fmt.Errorf("no save state to back up: %w", err)
	}
	if err := os.MkdirAll(l.BackupDir, 0755); err != nil {
		return types.BackupRecord{}, fmt.Errorf("failed to create backup dir: %w", err)
	}

	path := filepath.Join(l.BackupDir, name)
	if err := writeArchive(path, l.SaveDir); err != nil {
		os.Remove(path)
		return types.BackupRecord{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return types.BackupRecord{}, fmt.Errorf("failed to stat archive: %w", err)
	}

	metrics.BackupsTotal.Inc()
	m.logger.Info().Str("archive", name).Int64("bytes", fi.Size()).Msg("backup created")

	return types.BackupRecord{
		Name:      name,
		Path:      path,
		SizeBytes: fi.Size(),
		CreatedAt: fi.ModTime(),
	}, nil
}

// List returns the instance's archives, newest first.
func (m *Manager) List(desc *types.InstanceDescriptor) ([]types.BackupRecord, error) {
	l := m.layout.Layout(desc)
	records, err := listDir(l.BackupDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func listDir(dir string) ([]types.BackupRecord, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup dir: %w", err)
	}

	var records []types.BackupRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		records = append(records, types.BackupRecord{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}
	return records, nil
}

// Restore replaces the instance's save state with an archive's content. The
// current state is snapshotted first so a bad restore is never a one-way
// door. The caller is responsible for stopping the instance beforehand.
func (m *Manager) Restore(desc *types.InstanceDescriptor, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	l := m.layout.Layout(desc)
	path := filepath.Join(l.BackupDir, name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("archive %s not found: %w", name, err)
	}

	safety := safetyPrefix + m.now().Format(timeLayout) + archiveSuffix
	if _, err := m.archive(l, safety); err != nil {
		return fmt.Errorf("failed to take safety snapshot: %w", err)
	}

	// Extract to a scratch dir next to the target so the final swap is a
	// rename, never a partial copy.
	scratch := filepath.Join(l.BackupDir, ".restore-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractArchive(path, scratch); err != nil {
		return err
	}

	// Archives produced here wrap everything in Saved/; hand-built ones may
	// carry the save state at the root.
	restored := scratch
	if fi, err := os.Stat(filepath.Join(scratch, wrapperDir)); err == nil && fi.IsDir() {
		restored = filepath.Join(scratch, wrapperDir)
	}

	// The save dir itself stays in place so the container user keeps owning
	// it; only its entries are swapped.
	if err := clearDir(l.SaveDir); err != nil {
		return err
	}
	if err := moveContents(restored, l.SaveDir); err != nil {
		return err
	}

	m.logger.Info().Str("archive", name).Str("safety", safety).Msg("backup restored")
	return nil
}

// Delete removes one archive by name.
func (m *Manager) Delete(desc *types.InstanceDescriptor, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	l := m.layout.Layout(desc)
	if err := os.Remove(filepath.Join(l.BackupDir, name)); err != nil {
		return fmt.Errorf("failed to delete archive %s: %w", name, err)
	}
	return nil
}

// Import copies an externally supplied archive into the backup store under a
// fresh standard name.
func (m *Manager) Import(desc *types.InstanceDescriptor, srcPath string) (types.BackupRecord, error) {
	l := m.layout.Layout(desc)
	if err := os.MkdirAll(l.BackupDir, 0755); err != nil {
		return types.BackupRecord{}, fmt.Errorf("failed to create backup dir: %w", err)
	}

	name := archivePrefix + m.now().Format(timeLayout) + archiveSuffix
	dst := filepath.Join(l.BackupDir, name)

	in, err := os.Open(srcPath)
	if err != nil {
		return types.BackupRecord{}, fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return types.BackupRecord{}, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		os.Remove(dst)
		return types.BackupRecord{}, fmt.Errorf("failed to copy archive: %w", err)
	}

	m.enforceRetention()
	return types.BackupRecord{Name: name, Path: dst, SizeBytes: n, CreatedAt: m.now()}, nil
}

// enforceRetention applies the retention policy after an archive lands. A
// failed prune never fails the archive that was just written.
func (m *Manager) enforceRetention() {
	descs, err := m.instances.List()
	if err != nil {
		m.logger.Warn().Err(err).Msg("retention skipped, instance list unavailable")
		return
	}
	if _, err := m.Prune(descs); err != nil {
		m.logger.Warn().Err(err).Msg("retention pass failed")
	}
}

// Prune applies the retention policy across all given instances: first each
// instance is trimmed to the per-instance cap, then the oldest archives
// anywhere are removed until the global byte ceiling holds. The per-instance
// pass always runs to completion before the global pass starts.
func (m *Manager) Prune(descs []*types.InstanceDescriptor) ([]string, error) {
	var removed []string
	var all []types.BackupRecord

	for _, desc := range descs {
		records, err := m.List(desc)
		if err != nil {
			return removed, err
		}
		if m.maxPerInstance > 0 && len(records) > m.maxPerInstance {
			for _, r := range records[m.maxPerInstance:] {
				if err := os.Remove(r.Path); err != nil {
					return removed, fmt.Errorf("failed to prune %s: %w", r.Path, err)
				}
				removed = append(removed, r.Path)
				metrics.BackupsPruned.Inc()
			}
			records = records[:m.maxPerInstance]
		}
		all = append(all, records...)
	}

	var total int64
	for _, r := range all {
		total += r.SizeBytes
	}

	if m.globalCapBytes > 0 && total >= m.globalCapBytes {
		// Oldest first across every instance. Reaching the ceiling exactly
		// already triggers eviction.
		sort.Slice(all, func(i, j int) bool {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		})
		for _, r := range all {
			if total < m.globalCapBytes {
				break
			}
			if err := os.Remove(r.Path); err != nil {
				return removed, fmt.Errorf("failed to prune %s: %w", r.Path, err)
			}
			total -= r.SizeBytes
			removed = append(removed, r.Path)
			metrics.BackupsPruned.Inc()
		}
	}

	metrics.BackupBytes.Set(float64(total))

	if len(removed) > 0 {
		m.logger.Info().Int("removed", len(removed)).Int64("store_bytes", total).
			Msg("retention policy applied")
	}
	return removed, nil
}

// clearDir removes a directory's entries, keeping the directory itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
	}
	return nil
}

func moveContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return fmt.Errorf("failed to move restored state into place: %w", err)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid archive name %q", name)
	}
	if !strings.HasSuffix(name, archiveSuffix) {
		return fmt.Errorf("invalid archive name %q: want a %s file", name, archiveSuffix)
	}
	return nil
}

// writeArchive tars srcDir into a gzip archive with every entry under the
// Saved/ wrapper.
func writeArchive(path, srcDir string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(wrapperDir, rel))

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

// extractArchive unpacks a gzip tarball under dstDir, rejecting entries that
// would escape it.
func extractArchive(path, dstDir string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes the extract dir", hdr.Name)
		}
		target := filepath.Join(dstDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode)&0777)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			f.Close()
		default:
			// Symlinks and specials never appear in save state.
		}
	}
}
