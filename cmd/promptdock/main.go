package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"promptdock/db"
	"promptdock/internal/app"
	"promptdock/internal/backup"
	"promptdock/internal/config"
	"promptdock/internal/history"
	"promptdock/internal/identity"
	"promptdock/internal/localstore"
	"promptdock/internal/logging"
	"promptdock/internal/search"
	"promptdock/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	medium, err := localstore.NewRedisMedium(cfg.RedisURL, cfg.MaxValueBytes)
	if err != nil {
		logger.Fatal("local store connection failed", zap.Error(err))
	}
	defer medium.Close()
	localStore := localstore.New(medium,
		localstore.WithNamespace(cfg.Namespace),
		localstore.WithLogger(logger),
		localstore.WithCache(cfg.CacheMaxBytes),
	)
	defer localStore.Close()

	libraryOpts := []localstore.LibraryOption{localstore.WithLibraryLogger(logger)}
	var historyService *history.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			logger.Fatal("failed to create history dir", zap.Error(err))
		}
		historyService = history.New(cfg.HistoryDir)
		libraryOpts = append(libraryOpts, localstore.WithRecorder(historyService))
	}
	library := localstore.NewLibrary(localStore, libraryOpts...)

	deps := app.Deps{
		Logger:   logger,
		Local:    medium,
		Library:  library,
		Identity: identity.NewStatic(),
	}
	if historyService != nil {
		deps.History = historyService
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		conn, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer conn.Close()
		if err := store.ApplyMigrations(ctx, conn, migrationsFS(cfg.MigrationsDir)); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		deps.Remote = store.NewPostgresStore(conn)
	} else {
		logger.Info("DATABASE_URL not set, cloud sync disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, library, logger)

	if strings.TrimSpace(cfg.BackupEndpoint) != "" {
		objects, err := backup.NewMinioStore(ctx, backup.MinioConfig{
			Endpoint:  cfg.BackupEndpoint,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
			Bucket:    cfg.BackupBucket,
			UseSSL:    cfg.BackupUseSSL,
		})
		if err != nil {
			logger.Warn("snapshot storage unavailable, backups disabled", zap.Error(err))
		} else {
			deps.Backup = backup.NewService(objects, library, logger)
		}
	}

	service := app.New(cfg, deps)
	go func() {
		if err := service.Run(ctx); err != nil {
			logger.Error("background loop stopped", zap.Error(err))
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("promptdock listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

// migrationsFS uses dir when it exists and the embedded migrations otherwise.
func migrationsFS(dir string) fs.FS {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return os.DirFS(dir)
	}
	return db.Migrations
}
