// Command server wires the DID lifecycle service: registry storage,
// collaborator clients, the audit pipeline and the HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"facedid/internal/audit"
	"facedid/internal/did/cache"
	"facedid/internal/did/handler"
	"facedid/internal/did/metrics"
	"facedid/internal/did/orchestrator"
	"facedid/internal/did/registry"
	"facedid/internal/face"
	"facedid/internal/ipfs"
	jwttoken "facedid/internal/jwt_token"
	"facedid/internal/ledger"
	"facedid/internal/platform/config"
	"facedid/internal/platform/httpserver"
	"facedid/internal/platform/logger"
	"facedid/internal/platform/middleware"
	platformredis "facedid/internal/platform/redis"
)

const auditInboxSize = 256

func main() {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registry: Postgres when configured, in-memory otherwise.
	var reg registry.Registry
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Error("open postgres", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		pg := registry.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("ensure schema", "error", err.Error())
			os.Exit(1)
		}
		reg = pg
		log.Info("registry backend", "driver", "postgres")
	} else {
		reg = registry.NewMemory()
		log.Info("registry backend", "driver", "memory")
	}

	// Optional Redis read cache.
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err.Error())
		os.Exit(1)
	}
	var recordCache *cache.Cache
	if redisClient != nil {
		defer redisClient.Close()
		recordCache = cache.New(redisClient.Client, cfg.Redis.CacheTTL)
		log.Info("record cache enabled", "ttl", cfg.Redis.CacheTTL.String())
	}

	// Audit pipeline: publisher -> inbox -> worker -> store (+ Kafka).
	inbox := make(chan audit.Event, auditInboxSize)
	auditStore := audit.NewMemoryStore()
	var sink audit.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Error("connect kafka", "error", err.Error())
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
		log.Info("audit sink enabled", "topic", cfg.Kafka.Topic)
	}
	worker := audit.NewWorker(inbox, auditStore, sink, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	promRegistry := prometheus.NewRegistry()
	lifecycleMetrics := metrics.New(promRegistry)

	faceClient := face.New(cfg.FaceServiceURL)
	ipfsClient := ipfs.New(cfg.IPFSAPIURL)
	ledgerClient := ledger.New(cfg.LedgerURL, cfg.LedgerProjectID, cfg.ConfirmPollInterval)

	orch := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		Faces:          faceClient,
		Store:          ipfsClient,
		Ledger:         ledgerClient,
		Cache:          recordCache,
		Audit:          audit.NewPublisher(inbox, log),
		Metrics:        lifecycleMetrics,
		Logger:         log,
		WalletAddress:  cfg.WalletAddress,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})

	// Background sweep for transactions that confirmed after abandonment.
	if cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					repaired, err := orch.Reconcile(ctx)
					if err != nil {
						log.Error("reconcile sweep failed", "error", err.Error())
						continue
					}
					if repaired > 0 {
						log.Info("reconcile sweep", "repaired", repaired)
					}
				}
			}
		}()
	}

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, "facedid", "facedid-api")
	auth := middleware.RequireAuth(jwttoken.NewMiddlewareAdapter(jwtService), log)

	probes := map[string]handler.HealthProbe{
		"face":   faceClient.Health,
		"ipfs":   ipfsClient.Health,
		"ledger": ledgerClient.Health,
	}
	if redisClient != nil {
		probes["redis"] = redisClient.Health
	}

	api := handler.New(orch, probes, log)

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(log))
	router.Use(middleware.Metrics(lifecycleMetrics.ObserveRequest))
	router.Use(middleware.Timeout(2 * cfg.ConfirmTimeout))
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	router.Mount("/api/v1", api.Routes(auth))

	srv := httpserver.New(cfg.Addr, router, cfg.ConfirmTimeout)
	log.Info("starting facedid server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
	wg.Wait()
}
