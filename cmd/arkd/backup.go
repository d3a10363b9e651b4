package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// Backup commands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage save-state backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create a backup of an instance's save state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}

		rec, err := e.backups.Create(desc)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s (%s)\n", rec.Name, units.HumanSize(float64(rec.SizeBytes)))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list ID",
	Short: "List an instance's backups, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}

		records, err := e.backups.List(desc)
		if err != nil {
			return err
		}

		fmt.Printf("%-44s %-10s %s\n", "NAME", "SIZE", "CREATED")
		for _, r := range records {
			fmt.Printf("%-44s %-10s %s\n",
				r.Name, units.HumanSize(float64(r.SizeBytes)), r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore ID NAME",
	Short: "Replace an instance's save state with a backup",
	Long: `Replaces the save state with the named archive. The current state is
snapshotted first. The instance must be stopped; restoring under a
running server corrupts the world save.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if e.runtime.IsRunning(cmd.Context(), desc.ContainerName()) {
			return fmt.Errorf("instance %d is running; stop it before restoring", id)
		}

		if err := e.backups.Restore(desc, args[1]); err != nil {
			return err
		}
		fmt.Printf("Restored %s\n", args[1])
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete ID NAME",
	Short: "Delete one backup archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}

		if err := e.backups.Delete(desc, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import ID FILE",
	Short: "Import an external archive into the backup store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}

		rec, err := e.backups.Import(desc, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Imported as %s\n", rec.Name)
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy across all instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		descs, err := e.store.List()
		if err != nil {
			return err
		}

		removed, err := e.backups.Prune(descs)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d archives\n", len(removed))
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupImportCmd)
	backupCmd.AddCommand(backupPruneCmd)
}
