// Package main is the CLI entry point for canopyd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/canopyguard/canopy/internal/config"
	"github.com/canopyguard/canopy/internal/daemon"
	"github.com/canopyguard/canopy/internal/infra"
	"github.com/canopyguard/canopy/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "canopyd",
	Short: "Encrypted offline outbox for captured activity artifacts",
	Long: `canopyd queues captured activity artifacts in an encrypted local
outbox and ships them to the collector whenever it is reachable.
Items survive restarts and long offline stretches. Payloads are
sealed with a key derived from the device identity and never touch
disk in cleartext.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the sync agent in the foreground",
	Long: `Runs the sync agent until interrupted. The agent probes collector
reachability, drains the outbox on a schedule and immediately after
reconnecting, and seeds placeholder records so queue growth alone
does not reveal capture activity.

Only one agent may run per data directory.`,
	RunE: runStart,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one drain pass immediately",
	Long: `Runs a single drain pass without waiting for the next scheduled one.
The pass honors the same retry backoff, rate limit and battery rules
as the agent.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent, collector and queue status",
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the outbox queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued items",
	Long:  `Lists queued items oldest first with their retry state. Payload contents are never shown.`,
	RunE:  runQueueList,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the queue",
	Long:  `Removes every queued item. A snapshot of the database is taken first so the operation can be audited.`,
	RunE:  runQueueClear,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	Long:  `Writes a commented sample config to the default location (or --path) for editing.`,
	RunE:  runConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath     string
	jsonOutput     bool
	queueListLimit int
	initPath       string
	initForce      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of items to list (0 for all)")
	configInitCmd.Flags().StringVar(&initPath, "path", "", "Where to write the sample config")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// components holds the wired-up pieces a command works with.
type components struct {
	cfg       *config.Config
	identity  *infra.HostIdentity
	store     *infra.SQLCipherOutbox
	transport *infra.CollectorTransport
	tracker   *usecase.Tracker
	orch      *usecase.Orchestrator
	snapshots *infra.SnapshotManager
}

func buildComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	// The data directory holds the outbox database, key file and
	// snapshots; everything below expects it to exist with owner-only
	// permissions.
	dataDir, err := infra.NewFileSystem().EnsureDir(cfg.Outbox.DataDir)
	if err != nil {
		return nil, err
	}

	identity := infra.NewHostIdentity(cfg.Identity.DeviceID)

	keys := infra.NewFileKeyProvider(dataDir)
	dbKey, err := infra.EnsureDBKey(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database key: %w", err)
	}

	cipher := infra.NewDeviceCipher()
	store, err := infra.NewSQLCipherOutbox(dataDir, dbKey, cfg.Outbox.Capacity, cipher, identity, logger)
	if err != nil {
		return nil, err
	}

	transport := infra.NewCollectorTransport(
		cfg.Collector.BaseURL,
		cfg.Collector.APIToken,
		cfg.RequestTimeout(),
		identity,
		logger,
	)

	tracker := usecase.NewTracker(logger)
	battery := infra.NewSystemBattery(logger)
	orch := usecase.NewOrchestrator(store, transport, tracker, battery, cfg.DrainPolicy(), logger)
	snapshots := infra.NewSnapshotManager(dataDir, cfg.Snapshot.Keep, logger)

	return &components{
		cfg:       cfg,
		identity:  identity,
		store:     store,
		transport: transport,
		tracker:   tracker,
		orch:      orch,
		snapshots: snapshots,
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, exists, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	lock, err := daemon.AcquireInstanceLock(cfg.Outbox.DataDir)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Println("canopyd is already running for this data directory")
			return nil
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	// Without a device identity nothing can be encrypted or delivered.
	deviceID, err := comps.identity.DeviceID()
	if err != nil {
		return fmt.Errorf("failed to resolve device identity: %w", err)
	}

	if exists {
		fmt.Printf("Loaded config from %s\n", cfgPath)
	} else {
		fmt.Println("No config file found, using defaults (see 'canopyd config init')")
	}

	fmt.Println("\n=== canopyd Started ===")
	fmt.Printf("Device: %s\n", deviceID)
	fmt.Printf("Collector: %s\n", cfg.Collector.BaseURL)
	fmt.Printf("Queue: %s (capacity %d)\n", cfg.Outbox.DataDir, cfg.Outbox.Capacity)
	fmt.Printf("Log: %s\n", cfg.Logging.Path)
	fmt.Println("=======================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	var decoys daemon.DecoySource
	if cfg.Decoy.Enabled {
		decoys = infra.NewDecoyGenerator()
	}
	var keeper daemon.SnapshotKeeper
	if cfg.Snapshot.Enabled {
		keeper = comps.snapshots
	}

	agentConfig := daemon.DefaultAgentConfig()
	agentConfig.SyncInterval = cfg.SyncInterval()
	agentConfig.ProbeInterval = cfg.ProbeInterval()
	agentConfig.DecoyInterval = cfg.DecoyInterval()

	agent := daemon.NewAgent(agentConfig, comps.orch, comps.transport, comps.tracker, comps.store, decoys, keeper, logger)

	if err := agent.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("canopyd stopped")
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	fmt.Println("\n=== Running Drain Pass ===")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	ctx := context.Background()

	if err := comps.transport.Ping(ctx); err != nil {
		comps.tracker.SetOnline(false)
		fmt.Printf("\nCollector unreachable: %v\n", err)
		if size, sizeErr := comps.store.Size(ctx); sizeErr == nil {
			fmt.Printf("%d items remain queued for the next attempt.\n", size)
		}
		return nil
	}
	comps.tracker.SetOnline(true)

	summary, err := comps.orch.RunSyncPass(ctx)
	if err != nil {
		return fmt.Errorf("drain pass failed: %w", err)
	}

	if summary.Deferred {
		fmt.Println("\nDrain pass deferred (battery gate).")
		return nil
	}

	fmt.Printf("\nDelivered:              %d\n", summary.Delivered)
	fmt.Printf("Retries exhausted:      %d\n", summary.RetryExhausted)
	fmt.Printf("Rejected by collector:  %d\n", summary.NonRetryableDropped)
	fmt.Printf("Still queued:           %d\n", summary.StillQueued)
	fmt.Println("==========================")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, exists, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== canopyd Status ===")
	if exists {
		fmt.Printf("Config: %s\n", cfgPath)
	} else {
		fmt.Println("Config: built-in defaults")
	}

	// The instance lock doubles as a liveness check.
	if lock, lockErr := daemon.AcquireInstanceLock(cfg.Outbox.DataDir); lockErr == nil {
		_ = lock.Release()
		fmt.Println("Agent: not running")
	} else if errors.Is(lockErr, daemon.ErrAlreadyRunning) {
		fmt.Println("Agent: running")
	}

	comps, err := buildComponents(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer comps.store.Close()

	if deviceID, idErr := comps.identity.DeviceID(); idErr == nil {
		fmt.Printf("Device: %s\n", deviceID)
	} else {
		fmt.Printf("Device: unavailable (%v)\n", idErr)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	pingErr := comps.transport.Ping(pingCtx)
	cancel()
	if pingErr == nil {
		fmt.Printf("Collector: reachable (%s)\n", cfg.Collector.BaseURL)
	} else {
		fmt.Printf("Collector: unreachable (%v)\n", pingErr)
	}

	ctx := context.Background()
	size, err := comps.store.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Queued: %d / %d items\n", size, cfg.Outbox.Capacity)

	// Items that no longer decrypt are kept but excluded from listings;
	// the difference is the corrupt count.
	if items, listErr := comps.store.List(ctx, 0); listErr == nil && len(items) < size {
		fmt.Printf("Corrupt: %d items (kept for inspection)\n", size-len(items))
	}

	if entries, listErr := comps.snapshots.List(); listErr == nil && len(entries) > 0 {
		latest := entries[len(entries)-1]
		fmt.Printf("Snapshots: %d (latest %s)\n", len(entries), latest.TakenAt.Local().Format(time.RFC3339))
	}

	fmt.Println("======================")
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer comps.store.Close()

	ctx := context.Background()
	items, err := comps.store.List(ctx, queueListLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	headers := []string{"#", "ID", "TYPE", "OWNER", "ENQUEUED", "RETRIES", "LAST RETRY", "SIZE"}
	rows := make([][]string, 0, len(items))
	for i, item := range items {
		kind := "artifact"
		if item.Placeholder {
			kind = "padding"
		}
		owner := item.OwnerKey
		if owner == "" {
			owner = "-"
		}
		lastRetry := "-"
		if !item.LastRetryAt.IsZero() {
			lastRetry = item.LastRetryAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			item.ID,
			kind,
			owner,
			item.EnqueuedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(item.RetryCount),
			lastRetry,
			fmt.Sprintf("%d B", len(item.Record)),
		})
	}

	aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight}
	fmt.Println(renderTable(headers, rows, aligns))

	if size, sizeErr := comps.store.Size(ctx); sizeErr == nil && size > len(items) {
		fmt.Printf("Showing %d of %d items (raise --limit to see more).\n", len(items), size)
	}
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	ctx := context.Background()
	size, err := comps.store.Size(ctx)
	if err != nil {
		return err
	}
	if size == 0 {
		fmt.Println("Queue is already empty.")
		return nil
	}

	if cfg.Snapshot.Enabled {
		entry, snapErr := comps.snapshots.Take(comps.store.DBPath(), "pre-clear")
		if snapErr != nil {
			return fmt.Errorf("failed to snapshot before clear: %w", snapErr)
		}
		fmt.Printf("Snapshot saved to %s\n", entry.Path)
	}

	if err := comps.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}

	fmt.Printf("Removed %d items from the queue.\n", size)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	target := initPath
	if target == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		target = defaultPath
	} else {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return err
		}
		target = expanded
	}

	if _, err := os.Stat(target); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", target)
	}

	if err := config.CreateSample(target); err != nil {
		return err
	}

	fmt.Printf("Sample config written to %s\n", target)
	fmt.Println("Edit the [collector] section, then run 'canopyd start'.")
	return nil
}

func createLogger(cfg *config.Config) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{cfg.Logging.Path}
	zapConfig.ErrorOutputPaths = []string{cfg.Logging.Path}
	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("canopyd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
