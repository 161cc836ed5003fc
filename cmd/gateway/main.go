// The gateway process: terminates client websocket/TCP connections and
// relays them over one reconnect-managed stream to its engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"world-server/internal/common/logging"
	"world-server/internal/config"
	"world-server/internal/gateway"
	"world-server/internal/transport"
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
	if cfg.Mode != config.ModeGateway {
		return fmt.Errorf("config mode is %q, this binary runs %q", cfg.Mode, config.ModeGateway)
	}

	log, err := logging.NewLogger(fmt.Sprintf("gateway-%d", cfg.Gateway.ID), cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(log, gateway.Config{
		HeartbeatInterval: time.Duration(cfg.Gateway.HeartbeatIntervalSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.Gateway.IdleTimeoutSec) * time.Second,
		ConnectRate:       cfg.Gateway.ConnectRatePerSec,
		ConnectBurst:      cfg.Gateway.ConnectBurst,
	}, cfg.Gateway.ID)

	dial := func(ctx context.Context) (transport.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Gateway.EngineAddr)
		if err != nil {
			return nil, err
		}
		return transport.NewBufferedConn(conn), nil
	}
	rm := gateway.NewReconnectManager(log, gateway.ReconnectConfig{
		BaseDelay:    time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		VerifyWindow: time.Duration(cfg.Reconnect.StreamVerifyMs) * time.Millisecond,
	}, dial, gw.ServeStream)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.WSHandler(ctx))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rm.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
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

	log.Info("gateway up",
		zap.Uint16("id", cfg.Gateway.ID),
		zap.String("listen", cfg.Gateway.ListenAddr),
		zap.String("engine", cfg.Gateway.EngineAddr),
	)
	return g.Wait()
}
