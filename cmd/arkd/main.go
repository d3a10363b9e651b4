package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zedinhost/arkd/pkg/backup"
	"github.com/zedinhost/arkd/pkg/config"
	"github.com/zedinhost/arkd/pkg/layout"
	"github.com/zedinhost/arkd/pkg/lifecycle"
	"github.com/zedinhost/arkd/pkg/log"
	"github.com/zedinhost/arkd/pkg/metrics"
	"github.com/zedinhost/arkd/pkg/ports"
	"github.com/zedinhost/arkd/pkg/runtime"
	"github.com/zedinhost/arkd/pkg/store"
	"github.com/zedinhost/arkd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arkd",
	Short: "arkd - ARK dedicated server lifecycle orchestrator",
	Long: `arkd provisions, starts, stops and monitors ARK: Survival Ascended
dedicated server containers: one container per instance, shared install
trees per owner, per-instance save state, RCON-coordinated graceful
shutdowns and save-state backups.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"arkd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/arkd/config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(metricsCmd)
}

// env bundles everything a command needs, wired once per invocation.
type env struct {
	cfg     *config.Config
	store   *store.Store
	layout  *layout.Manager
	backups *backup.Manager
	ctrl    *lifecycle.Controller
	runtime *runtime.ContainerdRuntime
}

func (e *env) Close() {
	if e.runtime != nil {
		e.runtime.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func setup(cmd *cobra.Command) (*env, error) {
	configPath, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	lm := layout.NewManager(cfg)
	alloc := ports.NewAllocator(st, cfg.DefaultGamePort, cfg.ConsolePortBase)

	bm, err := backup.NewManager(cfg, lm, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &env{
		cfg:     cfg,
		store:   st,
		layout:  lm,
		backups: bm,
		ctrl:    lifecycle.NewController(cfg, st, lm, alloc, bm, rt),
		runtime: rt,
	}, nil
}

func parseInstanceID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid instance id %q", arg)
	}
	return id, nil
}

func reportResult(res types.OpResult) error {
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	fmt.Println(res.Message)
	if res.LogFile != "" {
		fmt.Printf("  Log: %s\n", res.LogFile)
	}
	return nil
}

// Server commands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage server instances",
}

var serverCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Register a new server instance",
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

		if _, err := e.store.Get(id); err == nil {
			return fmt.Errorf("instance %d already exists", id)
		}

		owner, _ := cmd.Flags().GetInt64("owner")
		name, _ := cmd.Flags().GetString("name")
		mapName, _ := cmd.Flags().GetString("map")
		adminPassword, _ := cmd.Flags().GetString("admin-password")
		joinPassword, _ := cmd.Flags().GetString("join-password")
		maxPlayers, _ := cmd.Flags().GetInt("max-players")
		ramGB, _ := cmd.Flags().GetInt("ram-gb")
		clusterID, _ := cmd.Flags().GetString("cluster")
		mods, _ := cmd.Flags().GetStringSlice("mods")
		passiveMods, _ := cmd.Flags().GetStringSlice("passive-mods")
		backupHours, _ := cmd.Flags().GetInt("auto-backup-hours")
		customArgs, _ := cmd.Flags().GetString("custom-args")

		desc := &types.InstanceDescriptor{
			ID:                      id,
			OwnerID:                 owner,
			ClusterID:               clusterID,
			Name:                    name,
			MapName:                 mapName,
			MaxPlayers:              maxPlayers,
			AdminPassword:           adminPassword,
			JoinPassword:            joinPassword,
			ActiveMods:              mods,
			PassiveMods:             passiveMods,
			RAMLimitGB:              ramGB,
			AutoBackupIntervalHours: backupHours,
			CustomArgs:              customArgs,
			Status:                  types.StatusStopped,
		}
		if err := e.store.Put(desc); err != nil {
			return err
		}

		l, err := e.layout.Ensure(desc)
		if err != nil {
			return err
		}
		desc.StoragePath = l.InstanceRoot
		if err := e.store.Put(desc); err != nil {
			return err
		}

		fmt.Printf("Instance %d created at %s\n", id, l.InstanceRoot)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List server instances",
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

		fmt.Printf("%-6s %-10s %-24s %-14s %-6s %-6s\n", "ID", "OWNER", "NAME", "MAP", "PORT", "STATUS")
		for _, d := range descs {
			fmt.Printf("%-6d %-10d %-24s %-14s %-6d %-6s\n",
				d.ID, d.OwnerID, d.Name, d.MapName, d.Port, d.Status)
		}
		return nil
	},
}

var serverDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Stop an instance and destroy its storage",
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

		if res := e.ctrl.Stop(cmd.Context(), id); !res.Success {
			return fmt.Errorf("%s", res.Message)
		}
		if err := e.layout.Destroy(desc); err != nil {
			return err
		}
		if err := e.store.Delete(id); err != nil {
			return err
		}

		fmt.Printf("Instance %d deleted (backups kept)\n", id)
		return nil
	},
}

var serverStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a server instance",
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

		return reportResult(e.ctrl.Start(cmd.Context(), id))
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a server instance",
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

		return reportResult(e.ctrl.Stop(cmd.Context(), id))
	},
}

var serverRestartCmd = &cobra.Command{
	Use:   "restart ID",
	Short: "Restart a server instance",
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

		return reportResult(e.ctrl.Restart(cmd.Context(), id))
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show the live status of a server instance",
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

		status, err := e.ctrl.Status(cmd.Context(), id)
		if err != nil {
			return err
		}

		desc, err := e.store.Get(id)
		if err != nil {
			return err
		}

		fmt.Printf("Instance:  %d (%s)\n", desc.ID, desc.Name)
		fmt.Printf("Status:    %s\n", status)
		fmt.Printf("Ports:     game=%d query=%d rcon=%d\n", desc.Port, desc.QueryPort, desc.ConsolePort)
		fmt.Printf("Console:   reachable=%t\n", e.ctrl.ConsoleAvailable(id))
		if desc.StartedAt != nil {
			fmt.Printf("Started:   %s\n", desc.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if minutes, issuedAt, ok := e.ctrl.ScheduledShutdown(id); ok {
			fmt.Printf("Shutdown:  scheduled %d minutes from %s\n", minutes, issuedAt.Format("15:04:05"))
		}
		return nil
	},
}

var serverLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show recent server output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		tail, _ := cmd.Flags().GetInt("tail")

		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.ctrl.Logs(id, tail)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var serverScheduleShutdownCmd = &cobra.Command{
	Use:   "schedule-shutdown ID MINUTES",
	Short: "Schedule a countdown shutdown with in-game warnings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid minutes %q", args[1])
		}

		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if res := e.ctrl.ScheduleShutdown(id, minutes); !res.Success {
			return fmt.Errorf("%s", res.Message)
		}
		fmt.Printf("Shutdown scheduled in %d minutes. Keeping the countdown alive; Ctrl+C aborts it.\n", minutes)

		// The countdown lives in this process; wait for it to finish or for
		// the operator to bail out.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			for {
				if _, _, ok := e.ctrl.ScheduledShutdown(id); !ok {
					close(done)
					return
				}
				time.Sleep(time.Second)
			}
		}()

		select {
		case <-sigCh:
			e.ctrl.CancelShutdown(id)
			fmt.Println("\nCountdown aborted")
		case <-done:
			fmt.Println("Shutdown complete")
		}
		return nil
	},
}

var serverCancelShutdownCmd = &cobra.Command{
	Use:   "cancel-shutdown ID",
	Short: "Cancel a scheduled shutdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}

		// The countdown usually lives in another arkd process that holds the
		// instance database open, so this command works off the durable
		// marker alone and never touches the store or the runtime.
		configPath, _ := cmd.Flags().GetString("config")
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		return reportResult(lifecycle.CancelScheduledShutdown(cfg, id))
	},
}

var serverStopExpiredCmd = &cobra.Command{
	Use:   "stop-expired ID...",
	Short: "Bulk-stop instances whose entitlement expired",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := parseInstanceID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		var failed []string
		for id, res := range e.ctrl.StopExpired(cmd.Context(), ids) {
			fmt.Printf("instance %d: %s\n", id, res.Message)
			if !res.Success {
				failed = append(failed, strconv.FormatInt(id, 10))
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("failed to stop instances: %s", strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverCreateCmd)
	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverDeleteCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverRestartCmd)
	serverCmd.AddCommand(serverStatusCmd)
	serverCmd.AddCommand(serverLogsCmd)
	serverCmd.AddCommand(serverScheduleShutdownCmd)
	serverCmd.AddCommand(serverCancelShutdownCmd)
	serverCmd.AddCommand(serverStopExpiredCmd)

	serverCreateCmd.Flags().Int64("owner", 0, "Owner (tenant) id")
	serverCreateCmd.Flags().String("name", "", "Session name shown in the server browser")
	serverCreateCmd.Flags().String("map", "TheIsland", "Map name (engine suffix added automatically)")
	serverCreateCmd.Flags().String("admin-password", "", "RCON/admin password")
	serverCreateCmd.Flags().String("join-password", "", "Join password; empty means public")
	serverCreateCmd.Flags().Int("max-players", 70, "Maximum concurrent players")
	serverCreateCmd.Flags().Int("ram-gb", 0, "Memory ceiling in GiB; 0 means unlimited")
	serverCreateCmd.Flags().String("cluster", "", "Cluster id for cross-server transfers")
	serverCreateCmd.Flags().StringSlice("mods", nil, "Active mod ids")
	serverCreateCmd.Flags().StringSlice("passive-mods", nil, "Passive mod ids")
	serverCreateCmd.Flags().Int("auto-backup-hours", 0, "Automatic backup interval; 0 disables")
	serverCreateCmd.Flags().String("custom-args", "", "Extra launch arguments, appended verbatim")
	serverCreateCmd.MarkFlagRequired("owner")
	serverCreateCmd.MarkFlagRequired("name")
	serverCreateCmd.MarkFlagRequired("admin-password")

	serverLogsCmd.Flags().Int("tail", 100, "Number of log lines to show; 0 for all")
}

// Sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the automatic backup sweep once",
	Long: `Creates a backup for every instance whose backup interval elapsed
since its newest archive, then applies the retention policy. Intended
to be invoked periodically from a timer unit or cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		created, err := e.ctrl.AutoBackupSweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Sweep complete, %d backups created\n", created)
		return nil
	},
}

// Metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		// Keep instance gauges fresh while serving.
		go func() {
			ctx := context.Background()
			for {
				descs, err := e.store.List()
				if err == nil {
					counts := map[string]int{}
					for _, d := range descs {
						status, err := e.ctrl.Status(ctx, d.ID)
						if err != nil {
							continue
						}
						counts[string(status)]++
					}
					metrics.InstancesTotal.Reset()
					for status, n := range counts {
						metrics.InstancesTotal.WithLabelValues(status).Set(float64(n))
					}
				}
				select {
				case <-cmd.Context().Done():
					return
				case <-time.After(15 * time.Second):
				}
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		fmt.Printf("Serving metrics on %s/metrics\n", addr)
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	metricsCmd.Flags().String("addr", "127.0.0.1:9105", "Listen address")
}
