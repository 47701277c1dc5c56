package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/example/ridepool/internal/config"
	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/guard"
	httpapi "github.com/example/ridepool/internal/http"
	"github.com/example/ridepool/internal/ingest"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/scheduler"
	"github.com/example/ridepool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// durable store: Mongo when configured, Postgres next, memory for local runs
	var store storage.Store
	switch {
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.WriteTimeout)
		if err != nil {
			log.Fatalf("mongo: %v", err)
		}
		defer ms.Close(context.Background())
		store = ms
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer ps.Close()
		store = ps
	default:
		logger.Warn("no durable store configured, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var live *geo.RedisLive
	if cfg.RedisAddr != "" {
		live = geo.NewRedisLive(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer live.Close()
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	wsreg := dispatch.NewWSRegistry()
	disp := dispatch.New(wsreg, store, logger)
	wsreg.OnConnect(func(participantID string) { disp.Replay(ctx, participantID) })

	reg := registry.New(registry.Config{
		ImmediateTTL:     cfg.ImmediateTTL,
		ScheduledOverrun: cfg.ScheduledOverrun,
		Tick:             cfg.ExpiryTick,
	}, disp, logger)
	reg.Start()
	defer reg.Close()

	lead := cfg.ActivationLead
	if cfg.Overrides.ActivationLeadOverride > 0 {
		lead = cfg.Overrides.ActivationLeadOverride
	}
	sweeper := scheduler.New(reg, disp, scheduler.Config{
		ActivationLead: lead,
		FinalWindow:    cfg.FinalWindow,
		Tick:           cfg.ScheduleTick,
	}, logger)
	sweeper.Start()
	defer sweeper.Close()

	g := guard.New(guard.Config{
		CooldownWindow: cfg.CooldownWindow,
		RecentWindow:   cfg.RecentWindow,
		MaxEntries:     cfg.CooldownMaxEntries,
		Bypass:         cfg.Overrides.GuardBypass,
	}, store)

	var liveIndex geo.LiveIndex
	if live != nil {
		liveIndex = live
	}
	coord := matcher.New(reg, g, store, disp, liveIndex, matcher.Config{
		Interval:           cfg.MatchInterval,
		ImmediateThreshold: cfg.ImmediateThreshold,
		ScheduledThreshold: cfg.ScheduledThreshold,
		DepartureFlex:      cfg.DepartureFlex,
		ProposalTTL:        cfg.ProposalTTL,
		ThresholdOverride:  cfg.Overrides.ThresholdOverride,
		Scorer: geo.ScorerConfig{
			AlignmentDeltaDeg:  cfg.AlignmentDeltaDeg,
			MaxDeviationMeters: cfg.MaxDeviationMeters,
			EndpointMeters:     cfg.EndpointMeters,
			LiveDecayMeters:    cfg.LiveDecayMeters,
		},
	}, logger)
	coord.Start(ctx)
	defer coord.Close()

	var liveUpserter httpapi.LiveUpserter
	if live != nil {
		liveUpserter = live
	}
	srv := httpapi.NewServer(reg, coord, store, kafka, wsreg, liveUpserter, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ridepool listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
