package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ansr/internal/api"
	"ansr/internal/auth"
	"ansr/internal/config"
	"ansr/internal/hub"
	"ansr/internal/respond"
	"ansr/internal/session"
	"ansr/internal/telemetry"
	"ansr/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("ANSR_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing := telemetry.Setup("ansr")
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	dbType := os.Getenv("ANSR_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s", dbType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := session.NewFactory(cfg, dbType)
	client, err := factory.Client(ctx)
	if err != nil {
		log.Fatalf("init client handle: %v", err)
	}

	store := session.NewStore(factory)
	if err := store.Start(ctx); err != nil {
		log.Printf("session store degraded: %v", err)
	}
	defer store.Stop()

	policy := session.Policy{
		MaxAttempts:    cfg.Auth.RecoveryMaxAttempts,
		Cooldown:       time.Duration(cfg.Auth.RecoveryCooldownSecs) * time.Second,
		JitterFraction: cfg.Auth.RecoveryJitterFraction,
	}
	recovery := session.NewRecovery(factory, policy)

	healthInterval := time.Duration(cfg.Auth.HealthIntervalSeconds) * time.Second
	monitor := session.NewMonitor(factory, recovery, healthInterval)
	monitor.Start(ctx)
	defer monitor.Stop()

	client.Auth.StartSessionSweeper(ctx, time.Hour)

	respondService := respond.NewService(client.DB)
	uploadManager := worker.NewManager(client.DB, client.Cache, client.Stream, respondService)
	idleTimeout := time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers, cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize, uploadManager, idleTimeout)

	sockets := hub.New()
	sockets.StartFeed(ctx, client.Cache)

	guard := auth.NewGuard(client.Auth, cfg.BasicConfig.LoginPath, cfg.BasicConfig.DashboardPath, cfg.BasicConfig.DemoMode)

	handlers := api.NewHandler(api.Deps{
		Auth:       client.Auth,
		Guard:      guard,
		Respond:    respondService,
		Uploads:    uploadManager,
		Dispatcher: dispatcher,
		Stream:     client.Stream,
		Factory:    factory,
		Store:      store,
		Recovery:   recovery,
		Monitor:    monitor,
		Sockets:    sockets,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(router, "http.server"),
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
