// The engine process: authoritative tick loop, gateway stream listener,
// signed pub/sub membership, zone claims and write-behind persistence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"world-server/internal/bus"
	"world-server/internal/common/logging"
	"world-server/internal/config"
	"world-server/internal/engine"
	"world-server/internal/game"
	"world-server/internal/persist"
	"world-server/internal/shard"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeEngine {
		return fmt.Errorf("config mode is %q, this binary runs %q", cfg.Mode, config.ModeEngine)
	}

	log, err := logging.NewLogger(cfg.Engine.ID, cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	pubsub := bus.NewSignedPubSub(log, rdb, cfg.Engine.ID, cfg.Bus.SharedSecret, 4096)
	defer pubsub.Close()
	pubsub.Subscribe(ctx,
		shard.ChannelZoneClaims,
		shard.ChannelChat,
		shard.EngineChannel(cfg.Engine.ID),
	)

	stream := bus.NewStreamServer(log, 4096)
	defer stream.Close()

	eng := engine.New(log, engine.Config{
		TickInterval:     time.Duration(cfg.Engine.TickIntervalMs) * time.Millisecond,
		InboundBudget:    time.Duration(cfg.Engine.InboundBudgetMs) * time.Millisecond,
		MaxInboundEvents: cfg.Engine.MaxInboundEventsPerTick,
	}, stream.Outbound(), stream.Inbound(), pubsub)

	coord := shard.NewCoordinator(log, cfg.Engine.ID, shard.NewRegistry(), pubsub,
		time.Duration(cfg.Sharding.LeaseTTLMs)*time.Millisecond,
		time.Duration(cfg.Sharding.ConfirmWindowMs)*time.Millisecond,
		cfg.Sharding.CapacityThreshold,
	)
	handoff := shard.NewHandoffManager(log, cfg.Engine.ID, 0)
	if err := shard.Attach(eng, coord, handoff, pubsub,
		time.Duration(cfg.Sharding.RenewMs)*time.Millisecond); err != nil {
		return err
	}
	for _, zone := range cfg.Engine.Zones {
		if err := coord.Claim(ctx, shard.ZoneKey{Zone: zone, Instance: 0}, time.Now()); err != nil {
			log.Warn("startup zone claim refused", zap.Int("zone", zone), zap.Error(err))
		}
	}

	// The journal holds value copies staged on the engine goroutine; the
	// flusher reads only those, never live sessions.
	journal := persist.NewJournal()
	wb := persist.NewWriteBehind(log, persist.NewRedisStore(rdb), journal.Snapshot,
		time.Duration(cfg.Persist.FlushIntervalMs)*time.Millisecond)

	game.Bind(eng, game.Options{Pub: pubsub, MarkDirty: markDirty(journal, wb)})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return stream.ListenAndServe(ctx, cfg.Engine.ListenAddr) })
	g.Go(func() error { return wb.Run(ctx) })
	if cfg.Engine.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, log, cfg.Engine.MetricsAddr) })
	}

	log.Info("engine up",
		zap.String("listen", cfg.Engine.ListenAddr),
		zap.Ints("zones", cfg.Engine.Zones),
	)
	return g.Wait()
}

// markDirty stages a value copy of the session for the flusher and marks
// the ref dirty. Runs on the engine goroutine.
func markDirty(journal *persist.Journal, wb *persist.WriteBehind) func(s *engine.Session) {
	return func(s *engine.Session) {
		journal.Stage(persist.Record{
			Ref:      s.PlayerRef,
			Zone:     s.Zone,
			Instance: s.Instance,
			Room:     s.Room,
			HP:       s.HP,
			MaxHP:    s.MaxHP,
		})
		wb.MarkDirty(s.PlayerRef)
	}
}

func serveMetrics(ctx context.Context, log *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics endpoint up", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
