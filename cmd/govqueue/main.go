package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-govqueue/internal/config"
	"github.com/insoblok/inso-govqueue/internal/fees"
	"github.com/insoblok/inso-govqueue/internal/indexer"
	"github.com/insoblok/inso-govqueue/internal/janitor"
	"github.com/insoblok/inso-govqueue/internal/ledger"
	"github.com/insoblok/inso-govqueue/internal/metrics"
	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/internal/recreation"
	"github.com/insoblok/inso-govqueue/internal/reservation"
	"github.com/insoblok/inso-govqueue/internal/rpc"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

var version = "dev"

// resourceLog stands in for the external resource owner: it records every
// eviction that left a resource behind.
type resourceLog struct {
	logger log.Logger
}

func (r *resourceLog) NotifyEviction(n types.ResourceCleanupNotice) {
	r.logger.Warn("Evicted proposal holds external resource",
		"proposal", n.ProposalID.Hex(),
		"resource", n.ResourceKey.Hex(),
		"scope", n.ScopeID.Hex(),
		"at", n.Timestamp,
	)
}

func setupLogging(cfg *config.LoggingConfig) {
	lvl, err := log.LvlFromString(cfg.Level)
	if err != nil {
		lvl = log.LevelInfo
	}
	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(os.Stdout, lvl)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stdout, lvl, true)))
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stdout, true)))
	logger := log.New("module", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	setupLogging(&cfg.Logging)
	logger = log.New("module", "main")
	logger.Info("InSo governance queue starting", "version", version)

	scope := cfg.Queue.Scope()
	clock := types.SystemClock{}
	met := metrics.New()

	// Custody and admission
	vault := ledger.NewVault()
	feeLedger := ledger.New(vault)
	policy := fees.NewScalingPolicy(cfg.Queue.BaseFee)
	q := queue.New(queue.Config{
		ScopeID:               scope,
		MaxConcurrentActive:   cfg.Queue.MaxConcurrentActive,
		MaxIndividuallyFunded: cfg.Queue.MaxIndividuallyFunded,
		EvictionGracePeriod:   config.Millis(cfg.Queue.EvictionGracePeriod),
	}, policy, feeLedger, vault, &resourceLog{logger: log.New("module", "resources")})
	defer q.Close()
	logger.Info("Proposal queue initialized",
		"scope", scope.Hex(),
		"maxActive", cfg.Queue.MaxConcurrentActive,
		"maxIndividual", cfg.Queue.MaxIndividuallyFunded,
		"grace", cfg.Queue.EvictionGracePeriod,
		"baseFee", cfg.Queue.BaseFee,
	)

	// Reservations
	registry := reservation.NewRegistry(reservation.Config{
		ScopeID:        scope,
		BucketDuration: config.Millis(cfg.Reservation.BucketDuration),
	})
	defer registry.Close()
	svc := recreation.NewService(q, registry, feeLedger, config.Millis(cfg.Reservation.RecreationPeriod))
	logger.Info("Reservation registry initialized",
		"bucket", cfg.Reservation.BucketDuration,
		"recreationPeriod", cfg.Reservation.RecreationPeriod,
	)

	// Event index
	db, err := indexer.Open(cfg.Server.DataDir)
	if err != nil {
		logger.Error("Failed to open event database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	ix := indexer.New(db)
	ix.SetMetrics(met)
	ix.Watch(q)
	ix.Watch(registry)
	logger.Info("Event index opened", "dataDir", cfg.Server.DataDir)

	// RPC
	j := janitor.New(&cfg.Reservation, registry, clock)
	rpcHandler := rpc.NewHandler(svc, j, clock)
	rpcHandler.SetIndexer(ix)
	rpcHandler.SetMetrics(met)
	ws := rpc.NewWSSubscriptionManager(rpcHandler)
	ws.Watch(q)
	ws.Watch(registry)
	rpcServer := rpc.NewServer(&cfg.Server, rpcHandler, ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rpcServer.Start(ctx); err != nil {
		logger.Error("Failed to start RPC server", "err", err)
		os.Exit(1)
	}
	logger.Info("RPC server started", "http", cfg.Server.ListenAddr, "ws", cfg.Server.WSAddr)

	go j.Start(ctx)

	if cfg.Metrics.Enabled {
		met.Serve(cfg.Metrics.Addr)
	}

	fmt.Println()
	logger.Info("═══════════════════════════════════════════════")
	logger.Info("  InSo governance queue is running")
	logger.Info("  JSON-RPC: " + cfg.Server.ListenAddr)
	logger.Info("  WebSocket: " + cfg.Server.WSAddr)
	logger.Info("  Scope: " + scope.Hex())
	logger.Info("═══════════════════════════════════════════════")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	j.Stop()
	if err := rpcServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "err", err)
	}
	ws.Stop()
	ix.Close()
	met.Stop()

	logger.Info("InSo governance queue stopped gracefully",
		"queued", q.Len(),
		"reservations", registry.Len(),
		"held", feeLedger.TotalHeld(),
	)
}
