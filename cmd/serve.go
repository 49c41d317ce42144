package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/bus"
	"github.com/nextlevelbuilder/hivemind/internal/config"
	"github.com/nextlevelbuilder/hivemind/internal/coord"
	"github.com/nextlevelbuilder/hivemind/internal/directory"
	"github.com/nextlevelbuilder/hivemind/internal/embedding"
	"github.com/nextlevelbuilder/hivemind/internal/memory"
	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/sched"
	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/internal/syncer"
	"github.com/nextlevelbuilder/hivemind/internal/telemetry"
	"github.com/nextlevelbuilder/hivemind/internal/tools"
	"github.com/nextlevelbuilder/hivemind/internal/transport"
	"github.com/nextlevelbuilder/hivemind/internal/vector"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fabric node",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// logLevel is shared with the config hot-reload path.
var logLevel = new(slog.LevelVar)

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfig)
	}

	logLevel.Set(parseLevel(cfg.LogLevel))
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(exitConfig)
	}
	defer shutdownTelemetry(context.Background())

	engine, err := openStorage(cfg)
	if err != nil {
		slog.Error("storage open failed", "error", err)
		os.Exit(exitTransient)
	}
	defer engine.Close()

	embedEng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		slog.Error("embedding engine init failed", "error", err)
		os.Exit(exitConfig)
	}

	index := vector.NewIndex()
	mem := memory.NewService(engine, index, embedEng, memory.Options{
		MachineID:        cfg.MachineID,
		DedupSimilarity:  cfg.Memory.DedupSimilarity,
		DedupPerCat:      cfg.Memory.DedupThresholds(),
		Ranking:          cfg.Memory.Ranking,
		MaxContentBytes:  cfg.Memory.MaxContentBytes,
		CategoryTTL:      cfg.Memory.CategoryTTL(),
		TombstoneHorizon: time.Duration(cfg.Memory.TombstoneHorizonS) * time.Second,
	})
	if err := mem.Rebuild(ctx); err != nil {
		slog.Error("vector index rebuild failed", "error", err)
		os.Exit(exitTransient)
	}
	recorder := memory.NewRecorder(mem)

	events := bus.New()

	dir := directory.New(events, engine, directory.Options{
		AgentTTL:     time.Duration(cfg.Directory.AgentTTLS) * time.Second,
		PurgeHorizon: time.Duration(cfg.Directory.PurgeHorizonS) * time.Second,
	})
	if err := dir.Restore(ctx); err != nil {
		slog.Warn("directory restore failed, starting empty", "error", err)
	}

	ruleEng := rules.NewEngine(engine, recorder, rules.Options{
		MachineID:       cfg.MachineID,
		ConflictDefault: store.ConflictMode(cfg.Rules.ConflictDefault),
		ClockSkew:       time.Duration(cfg.Rules.EffectiveClockSkewS) * time.Second,
	})

	retry := coord.DefaultRetryPolicy()
	if v := cfg.Coord.BroadcastRetry.MaxAttempts; v > 0 {
		retry.MaxAttempts = v
	}
	if v := cfg.Coord.BroadcastRetry.BackoffBaseMS; v > 0 {
		retry.BackoffBase = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Coord.BroadcastRetry.BackoffCapS; v > 0 {
		retry.BackoffCap = time.Duration(v) * time.Second
	}
	coordSvc := coord.NewService(dir, events, recorder, engine, coord.Options{
		InboxCap:    cfg.Coord.InboxCap,
		QueryWindow: time.Duration(cfg.Coord.QueryWindowS) * time.Second,
		Retry:       retry,
	})
	if err := coordSvc.Restore(ctx); err != nil {
		slog.Warn("inbox restore failed, starting empty", "error", err)
	}

	authn := auth.NewStatic(cfg.Auth)

	sync := syncer.New(engine, mem, ruleEng, engine, events, authn, syncer.Options{
		MachineID:   cfg.MachineID,
		ProjectTag:  cfg.ProjectTag,
		Peers:       cfg.Sync.Peers,
		Interval:    time.Duration(cfg.Sync.IntervalS) * time.Second,
		MaxPerRound: cfg.Sync.MaxRecordsPerRound,
		PeerTimeout: time.Duration(cfg.Sync.PeerTimeoutS) * time.Second,
		MaxLag:      cfg.Sync.MaxLag,
	})
	if err := sync.Restore(ctx); err != nil {
		slog.Warn("sync clock restore failed, starting from zero", "error", err)
	}

	manager := transport.NewManager(transport.ManagerOptions{
		SessionTimeout:  time.Duration(cfg.Transport.SessionTimeoutS) * time.Second,
		IdleThreshold:   time.Duration(cfg.Transport.IdleThresholdS) * time.Second,
		RecoveryHorizon: time.Duration(cfg.Transport.RecoveryHorizonS) * time.Second,
		RatePerSecond:   rateLimit(cfg.Transport.RatePerSecond),
	})

	registry := tools.NewRegistry(cfg.MachineID, cfg.ProjectTag, ruleEng, recorder)
	tools.RegisterAll(registry, tools.Deps{
		Memory:    mem,
		Directory: dir,
		Coord:     coordSvc,
		Syncer:    sync,
	})
	slog.Info("tool surface registered", "tools", registry.Count())

	server := transport.NewServer(manager, authn, registry, healthSource{
		dir: dir, eng: engine, sync: sync,
	}, sync, transport.Options{
		Addr:           fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port),
		PerCallTimeout: time.Duration(cfg.Transport.PerCallTimeoutS) * time.Second,
	})

	if cleanup := transport.InitTailscale(ctx, cfg.Tailscale, server.BuildMux()); cleanup != nil {
		defer cleanup()
	}

	scheduler := sched.New()
	scheduler.AddInterval("directory-sweep", 10*time.Second, func(ctx context.Context) error {
		dir.ExpireSweep()
		return nil
	})
	scheduler.AddInterval("broadcast-retry", 5*time.Second, func(ctx context.Context) error {
		coordSvc.RetryPass(ctx)
		return nil
	})
	scheduler.AddInterval("session-sweep", 30*time.Second, func(ctx context.Context) error {
		manager.Sweep()
		return nil
	})
	scheduler.AddInterval("vector-reconcile", time.Minute, func(ctx context.Context) error {
		_, err := mem.ReconcileVectors(ctx)
		return err
	})
	snapEvery := time.Duration(cfg.Storage.SnapshotIntervalS) * time.Second
	if snapEvery <= 0 {
		snapEvery = time.Minute
	}
	scheduler.AddInterval("state-snapshot", snapEvery, func(ctx context.Context) error {
		if err := dir.Snapshot(ctx); err != nil {
			return err
		}
		return coordSvc.Snapshot(ctx)
	})
	if err := scheduler.AddCron("retention-sweep", "0 * * * *", func(ctx context.Context) error {
		return mem.SweepRetention(ctx)
	}); err != nil {
		slog.Error("scheduler setup failed", "error", err)
		os.Exit(exitConfig)
	}
	if err := scheduler.AddCron("coord-compact", "30 * * * *", func(ctx context.Context) error {
		coordSvc.CompactPass()
		return nil
	}); err != nil {
		slog.Error("scheduler setup failed", "error", err)
		os.Exit(exitConfig)
	}

	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		logLevel.Set(parseLevel(next.LogLevel))
		mem.SetRanking(next.Memory.Ranking)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	go scheduler.Run(ctx)
	go sync.Run(ctx)

	slog.Info("hivemind node up",
		"machine", cfg.MachineID,
		"project", cfg.ProjectTag,
		"backend", cfg.Storage.Backend,
		"peers", len(cfg.Sync.Peers))

	if err := server.Start(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(exitTransient)
	}

	// Persist in-memory state on clean shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dir.Snapshot(shutdownCtx); err != nil {
		slog.Warn("final directory snapshot failed", "error", err)
	}
	if err := coordSvc.Snapshot(shutdownCtx); err != nil {
		slog.Warn("final inbox snapshot failed", "error", err)
	}
}

// healthSource feeds the /health gauges.
type healthSource struct {
	dir  *directory.Directory
	eng  storageEngine
	sync *syncer.Syncer
}

func (h healthSource) AgentCount() int { return h.dir.Count() }
func (h healthSource) MemoryCount(ctx context.Context) (int64, error) {
	return h.eng.CountLive(ctx)
}
func (h healthSource) SyncLagSeconds() float64 { return h.sync.LagSeconds() }

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0 // manager applies its default
	}
	return rate.Limit(perSecond)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
