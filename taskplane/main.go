package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/partshive/partshive/taskplane/events"
	"github.com/partshive/partshive/taskplane/handler"
	"github.com/partshive/partshive/taskplane/idempotency"
	"github.com/partshive/partshive/taskplane/middleware"
	"github.com/partshive/partshive/taskplane/policy"
	"github.com/partshive/partshive/taskplane/recurring"
	"github.com/partshive/partshive/taskplane/scheduler"
	"github.com/partshive/partshive/taskplane/service"
	"github.com/partshive/partshive/taskplane/store"
)

func main() {
	cfg := loadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store: Postgres when configured, memory for single-node dev.
	var taskStore store.TaskStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		taskStore = pg
		log.Printf("Connected to Postgres task store")
	} else {
		taskStore = store.NewMemoryStore()
		log.Printf("Using in-memory task store (ephemeral, dev mode)")
	}

	// Redis backs approvals and submission idempotency when available.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable at %s, falling back to in-memory approvals: %v", cfg.RedisAddr, err)
			redisClient = nil
		}
		pingCancel()
	}

	bus := events.NewBus()

	var approvals policy.ApprovalStore
	if redisClient != nil {
		approvals = policy.NewRedisApprovalStore(redisClient)
		log.Println("Using Redis for approval store")
	} else {
		approvals = policy.NewMemoryApprovalStore()
		log.Println("Using in-memory approval store (ephemeral)")
	}
	engine := policy.NewEngine(taskStore, approvals, bus, time.Duration(cfg.TimeoutSeconds)*time.Second)

	registry := handler.NewRegistry()
	if err := handler.RegisterBuiltins(registry, handler.DefaultDeps(cfg.BackupDir)); err != nil {
		log.Fatalf("Failed to register handlers: %v", err)
	}

	dispatcher := scheduler.NewDispatcher(taskStore, registry, bus, scheduler.Config{
		Tick:           cfg.DispatchTick,
		TimeoutSeconds: cfg.TimeoutSeconds,
		MaxConcurrent:  cfg.MaxConcurrent,
	})

	svc := service.New(taskStore, engine, registry, dispatcher, bus)

	rec := recurring.NewScheduler(taskStore, svc.SystemSubmit)
	svc.SetRecurring(rec)
	if err := rec.Start(ctx); err != nil {
		log.Printf("Recurring scheduler disabled: %v", err)
	}

	svc.StartWorker()

	idemStore := idempotency.NewStore(redisClient)
	hub := NewStreamHub(bus)
	go hub.Run(ctx)

	api := NewAPI(svc, hub, idemStore)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/tasks", middleware.AuthMiddleware(http.HandlerFunc(api.handleTasks)))
	http.Handle("/tasks/", middleware.AuthMiddleware(http.HandlerFunc(api.handleTaskByID)))
	http.Handle("/handlers", middleware.AuthMiddleware(http.HandlerFunc(api.handleListHandlers)))
	http.Handle("/worker/", middleware.AuthMiddleware(http.HandlerFunc(api.handleWorker)))
	http.Handle("/backup/config", middleware.AuthMiddleware(http.HandlerFunc(api.handleBackupConfig)))
	http.Handle("/tasks-stream", middleware.AuthMiddleware(http.HandlerFunc(api.handleTaskStream)))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	rootHandler := middleware.CORSMiddleware(http.DefaultServeMux)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: rootHandler}
	go func() {
		log.Printf("PartsHive task service listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting, drain the worker, close the hub.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	rec.Stop()
	svc.StopWorker()
	cancel()
}
