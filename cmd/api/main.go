package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loom/api/internal/app"
	"loom/api/internal/classify"
	"loom/api/internal/config"
	"loom/api/internal/lifecycle"
	"loom/api/internal/notify"
	"loom/api/internal/search"
	"loom/api/internal/store"
	"loom/api/internal/tickets"
	"loom/api/internal/versioning"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	versions := versioning.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(dataStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var cache lifecycle.ResultCache = classify.NoopCache{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := classify.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		log.Printf("classify: no redis configured, result caching disabled")
	}

	engine := classify.NewEngine(cfg.ClassifierURL, cfg.ClassifierToken)
	ticketsClient := tickets.NewClient(cfg.TicketsURL, cfg.TicketsToken)
	mailer := notify.NewMailer(notify.MailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifier := notify.NewService(dataStore, mailer)

	coordinator := lifecycle.NewCoordinator(versions)
	classifier := lifecycle.NewClassifier(engine, cache, notifier)
	directory := app.NewBranchDirectory(dataStore)
	registries := app.NewRegistries()

	pipeline := lifecycle.NewPipeline(coordinator, versions, classifier, directory,
		registries[app.CategoryAutomated], notifier, ticketsClient)
	queue := lifecycle.NewQueueWorker(pipeline, registries[app.CategoryAutomated])
	queue.Start(ctx)
	manual := lifecycle.NewManualRunner(coordinator, versions, notifier)
	pool := lifecycle.NewTaskPool(cfg.PoolWorkers)
	sweeper := lifecycle.NewSweeper(directory, coordinator, versions, cfg.SweepIdentity)

	service := app.NewService(app.Deps{
		Store:      dataStore,
		Versioning: versions,
		Search:     searchService,
		Classifier: classifier,
		Sweeper:    sweeper,
		Queue:      queue,
		Manual:     manual,
		Pool:       pool,
		Registries: registries,
	})
	defer service.Close()

	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				if err := sweeper.Run(context.Background()); err != nil {
					log.Printf("sweep: scheduled pass: %v", err)
				}
			}
		}
	}()
	defer close(sweepDone)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.APIToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Loom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
