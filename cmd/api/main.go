package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marginalia/api/internal/app"
	"marginalia/api/internal/blob"
	"marginalia/api/internal/cache"
	"marginalia/api/internal/config"
	"marginalia/api/internal/contentrepo"
	"marginalia/api/internal/email"
	"marginalia/api/internal/events"
	"marginalia/api/internal/export"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/search"
	"marginalia/api/internal/share"
	"marginalia/api/internal/store"
	"marginalia/api/internal/suggest"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger.InitGlobalLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.GetGlobalLogger()
	met := metrics.NewMetrics(nil)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ReposDir).Msg("failed to create repos dir")
	}

	dataStore := store.NewPostgresStore(db)
	content := contentrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, pgfts, log, met)
	if meiliClient != nil {
		defer meiliClient.Close()
	}
	go searchService.ReindexAllFromPG(ctx)

	// Redis backs the projection and render caches. The service degrades to
	// recomputing renders on every read when it is absent, so a dead Redis is
	// a warning, not a boot failure.
	var renderCache *cache.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		renderCache, err = cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, render cache disabled")
			renderCache = nil
		}
	}
	if renderCache != nil {
		pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
		if err := renderCache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, render cache disabled")
			renderCache.Close()
			renderCache = nil
		}
		cancelPing()
	}
	if renderCache != nil {
		defer renderCache.Close()
	}

	var blobs *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = blob.NewStore(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable, archiving disabled")
			blobs = nil
		}
	}
	if blobs != nil {
		bucketCtx, cancelBucket := context.WithTimeout(ctx, 5*time.Second)
		if err := blobs.EnsureBucket(bucketCtx); err != nil {
			log.Warn().Err(err).Msg("object storage unreachable, archiving disabled")
			blobs = nil
		}
		cancelBucket()
	}

	var suggestClient *suggest.Client
	if strings.TrimSpace(cfg.SuggestURL) != "" {
		suggestClient = suggest.NewClient(suggest.ClientConfig{
			BaseURL:   cfg.SuggestURL,
			APIKey:    cfg.SuggestKey,
			PerMinute: cfg.SuggestPerMin,
		})
	}
	suggestService := suggest.NewService(suggestClient, log, met)

	exportService := export.NewService(dataStore, content, log, met)
	shareService := share.NewService(dataStore, log)
	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	hub := events.NewHub(log, met)
	go hub.Run()

	service := app.New(cfg, app.Deps{
		Store:   dataStore,
		Content: content,
		Cache:   renderCache,
		Search:  searchService,
		Suggest: suggestService,
		Export:  exportService,
		Blobs:   blobs,
		Shares:  shareService,
		Events:  hub,
		Mail:    mail,
	}, log, met)

	digestCtx, stopDigest := context.WithCancel(ctx)
	go runDigestLoop(digestCtx, service, log)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, log, met)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.LogServerStart(cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.LogServerShutdown()
	stopDigest()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	hub.Stop()
}

// runDigestLoop mails opted-in readers a summary of what they highlighted.
// Each run covers the seven days before it fires.
func runDigestLoop(ctx context.Context, service *app.Service, log *logger.Logger) {
	ticker := time.NewTicker(7 * 24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := service.SendDigests(ctx, time.Now().AddDate(0, 0, -7))
			if err != nil {
				log.Warn().Err(err).Msg("digest run failed")
				continue
			}
			if sent > 0 {
				log.Info().Int("sent", sent).Msg("digest emails delivered")
			}
		}
	}
}
