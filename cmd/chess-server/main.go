package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/cheese-live-board/internal/config"
	"github.com/park285/cheese-live-board/internal/msgcat"
	"github.com/park285/cheese-live-board/internal/obslog"
	"github.com/park285/cheese-live-board/internal/opsapi"
	"github.com/park285/cheese-live-board/internal/rules"
	"github.com/park285/cheese-live-board/internal/session"
	"github.com/park285/cheese-live-board/internal/transport/wsserver"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	regOpts := []session.Option{
		session.WithMessages(catalog),
		session.WithDefaultRoom(cfg.DefaultRoom),
	}
	opsOpts := []opsapi.Option{}

	var mirror *session.RedisMirror
	if cfg.RedisURL != "" {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := session.DialRedis(dctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal("redis init error", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		mirror = session.NewRedisMirror(rdb, cfg.SnapshotTTL, 0)
		regOpts = append(regOpts, session.WithRegistryMirror(mirror))
		if cfg.RestoreSnapshots {
			regOpts = append(regOpts, session.WithRestorer(mirror))
		}
		opsOpts = append(opsOpts, opsapi.WithMirror(mirror))
		logger.Info("snapshot_mirror_enabled",
			zap.Duration("ttl", cfg.SnapshotTTL),
			zap.Bool("restore", cfg.RestoreSnapshots),
		)
	}

	reg := session.NewRegistry(rules.NewStandard(), regOpts...)
	reg.StartSweeper(ctx, cfg.SweepInterval, cfg.RoomIdleTTL)

	gateway := wsserver.New(reg, wsserver.Options{
		OriginPatterns: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ops := opsapi.New(reg, opsOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ws_listen", zap.String("addr", cfg.ListenAddr), zap.String("default_room", cfg.DefaultRoom))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ops.ListenAndServe(cfg.OpsAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("ws_shutdown_error", zap.Error(err))
		}
		if err := ops.Shutdown(sctx); err != nil {
			logger.Warn("ops_shutdown_error", zap.Error(err))
		}
		if mirror != nil {
			if err := mirror.Close(sctx); err != nil {
				logger.Warn("mirror_close_error", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_exit", zap.Error(err))
		return
	}
	logger.Info("server_stopped")
}
