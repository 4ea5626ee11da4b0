package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-closure/internal/audit"
	"lv-closure/internal/auth"
	"lv-closure/internal/broker"
	"lv-closure/internal/closure"
	"lv-closure/internal/config"
	"lv-closure/internal/db"
	"lv-closure/internal/httpserver"
	"lv-closure/internal/logger"
	"lv-closure/internal/notify"
	"lv-closure/internal/statestore"
	"lv-closure/internal/trace"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zlog, err := logger.New(cfg.AppMode)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()
	if err := trace.Init(cfg.TracingEnabled); err != nil {
		log.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
	}()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool, err := db.NewPool(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(rootCtx, pool); err != nil {
		log.Fatal(err)
	}

	processStore := closure.NewPGProcessStore(pool)
	transferStore := closure.NewPGTransferStore(pool)
	stateStore := statestore.NewPGStore(pool, cfg.StateTTL, zlog)
	auditStore := audit.NewPGStore(pool)
	registry := audit.NewRegistry(auditStore, zlog)

	var gateway broker.Gateway
	if cfg.PartnerBaseURL != "" {
		gateway = broker.NewPartnerClient(cfg.PartnerBaseURL, cfg.PartnerAPIToken)
	} else {
		zlog.Warn("PARTNER_BASE_URL not set, partner gateway disabled")
		gateway = broker.NewDisabledGateway()
	}

	bus := closure.NewBus()
	notifier := notify.NewSender(cfg.NotifyWebhookURL, cfg.NotifyToken, zlog)
	orch := closure.NewOrchestrator(gateway, processStore, transferStore,
		stateStore, registry, bus, cfg.DailyTransferLimit, zlog)
	processor := closure.NewProcessor(orch, notifier, closure.DefaultIntervals(), zlog)

	closure.NewSweeper(orch, processor, 5*time.Minute, zlog).Start(rootCtx)
	stateStore.StartReaper(rootCtx, time.Hour)
	registry.StartPruner(rootCtx, 10*time.Minute)

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret))
	closureHandler := closure.NewHandler(processor, orch, processStore, auditStore)
	wsHandler := httpserver.NewWSHandler(bus, authSvc, processStore, cfg.WebSocketOrigin)
	limiter := httpserver.NewRateLimiter(10, 30)
	limiter.StartPruner(rootCtx, time.Minute)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		ClosureHandler:    closureHandler,
		AuthService:       authSvc,
		InternalTokenHash: cfg.InternalTokenHash,
		WSHandler:         wsHandler,
		Pool:              pool,
		RateLimiter:       limiter,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	zlog.Info("server listening", zap.String("addr", cfg.HTTPAddr))
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		rootCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := processor.Shutdown(ctx); err != nil {
			zlog.Warn("processor shutdown", zap.Error(err))
		}
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
