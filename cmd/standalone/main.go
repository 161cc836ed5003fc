// The standalone process: the whole world in one binary. Clients connect
// straight to an in-process gateway, events cross a local bus, and the
// engine owns every configured zone without any coordination substrate.
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
	"world-server/internal/gateway"
	"world-server/internal/persist"
	"world-server/internal/protocol"
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

// localPublisher satisfies the coordinator with no peers to reach. Claims
// still land in the local registry through the announce path.
type localPublisher struct{}

func (localPublisher) Publish(context.Context, string, protocol.Event) {}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeStandalone {
		return fmt.Errorf("config mode is %q, this binary runs %q", cfg.Mode, config.ModeStandalone)
	}

	log, err := logging.NewLogger("standalone", cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inbound := bus.NewLocal(4096)
	outbound := bus.NewLocal(4096)
	defer inbound.Close()
	defer outbound.Close()

	eng := engine.New(log, engine.Config{
		TickInterval:     time.Duration(cfg.Engine.TickIntervalMs) * time.Millisecond,
		InboundBudget:    time.Duration(cfg.Engine.InboundBudgetMs) * time.Millisecond,
		MaxInboundEvents: cfg.Engine.MaxInboundEventsPerTick,
	}, outbound, inbound)

	coord := shard.NewCoordinator(log, cfg.Engine.ID, shard.NewRegistry(), localPublisher{},
		time.Duration(cfg.Sharding.LeaseTTLMs)*time.Millisecond,
		time.Duration(cfg.Sharding.ConfirmWindowMs)*time.Millisecond,
		cfg.Sharding.CapacityThreshold,
	)
	handoff := shard.NewHandoffManager(log, cfg.Engine.ID, 0)
	if err := shard.Attach(eng, coord, handoff, localPublisher{},
		time.Duration(cfg.Sharding.RenewMs)*time.Millisecond); err != nil {
		return err
	}
	for _, zone := range cfg.Engine.Zones {
		if err := coord.Claim(ctx, shard.ZoneKey{Zone: zone, Instance: 0}, time.Now()); err != nil {
			log.Warn("startup zone claim refused", zap.Int("zone", zone), zap.Error(err))
		}
	}

	// Persistence is optional standalone: no redis address, no store.
	gameOpts := game.Options{}
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		journal := persist.NewJournal()
		wb := persist.NewWriteBehind(log, persist.NewRedisStore(rdb), journal.Snapshot,
			time.Duration(cfg.Persist.FlushIntervalMs)*time.Millisecond)
		gameOpts.MarkDirty = markDirty(journal, wb)
		g.Go(func() error { return wb.Run(ctx) })
	}
	game.Bind(eng, gameOpts)

	gw := gateway.New(log, gateway.Config{
		HeartbeatInterval: time.Duration(cfg.Gateway.HeartbeatIntervalSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.Gateway.IdleTimeoutSec) * time.Second,
		ConnectRate:       cfg.Gateway.ConnectRatePerSec,
		ConnectBurst:      cfg.Gateway.ConnectBurst,
	}, cfg.Gateway.ID)
	gw.SetUpstream(inbound)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.WSHandler(ctx))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: mux}

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return pumpOutbound(ctx, outbound, gw) })
	g.Go(func() error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if cfg.Gateway.TCPListenAddr != "" {
		g.Go(func() error { return gw.ListenTCP(ctx, cfg.Gateway.TCPListenAddr) })
	}

	log.Info("standalone world up",
		zap.String("listen", cfg.Gateway.ListenAddr),
		zap.Ints("zones", cfg.Engine.Zones),
	)
	return g.Wait()
}

// pumpOutbound moves engine output from the local bus to client conns.
func pumpOutbound(ctx context.Context, out *bus.LocalBus, gw *gateway.Gateway) error {
	for {
		ev, err := out.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		gw.Deliver(ev)
	}
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
