package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/restapi"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/devstore"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/uistream"
	"github.com/chatsync/migrations"
)

func main() {
	logger.SetPrefix("syncd")
	migrate := flag.Bool("migrate", false, "apply archive migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting sync daemon")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	if *dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var pool *pgxpool.Pool
	if cfg.Storage.DatabaseURL != "" {
		var err error
		pool, err = connectArchive(cfg)
		if err != nil {
			logger.Errorf("archive: %v", err)
			os.Exit(1)
		}
		defer pool.Close()
	}
	if *migrate {
		if pool == nil {
			logger.Error("-migrate requires DATABASE_URL")
			os.Exit(1)
		}
		return
	}

	checkpoints, err := openCheckpoints(cfg, pool, *dev)
	if err != nil {
		logger.Errorf("checkpoints: %v", err)
		os.Exit(1)
	}
	defer checkpoints.Close()

	api := restapi.New(restapi.Options{
		BaseURL:     cfg.Backend.APIBaseURL,
		Token:       cfg.Backend.Token,
		Timeout:     cfg.Backend.HTTPTimeout,
		MaxFailures: cfg.Backend.BreakerFails,
	})
	transport := conn.NewManager(conn.Options{
		URL:         cfg.Backend.WSURL,
		Token:       cfg.Backend.Token,
		Initial:     cfg.Reconnect.Initial,
		Max:         cfg.Reconnect.Max,
		Multiplier:  cfg.Reconnect.Multiplier,
		Jitter:      cfg.Reconnect.Jitter,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	})

	notifier := newNotifier(cfg)

	opts := engine.Options{
		Self:                 model.UserID(cfg.SelfID),
		API:                  api,
		Transport:            transport,
		Clock:                clock.Real(),
		Checkpoints:          checkpoints,
		TypingWindow:         cfg.Typing.Window,
		TypingTTL:            cfg.Typing.TTL,
		HistoryPageSize:      cfg.Sync.HistoryPageSize,
		UnreadResyncInterval: cfg.Sync.UnreadResyncInterval,
		MinResyncGap:         cfg.Sync.MinResyncGap,
	}
	if pool != nil {
		opts.Archive = repository.NewArchiveRepository(pool)
	}
	if notifier.Enabled() {
		opts.Notifier = notifier
	}
	sess := engine.New(opts)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	if err := sess.Start(rootCtx); err != nil {
		logger.Errorf("session start: %v", err)
		os.Exit(1)
	}

	hub := uistream.NewHub(sess, cfg.MaxUIClients)
	hubCtx, hubCancel := context.WithCancel(rootCtx)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	syncH := handler.NewSyncHandler(sess)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg, notifier)
	pushH := handler.NewPushHandler(notifier)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.LocalTokenHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	r.Group(func(r chi.Router) {
		r.Use(middleware.LocalOnly(cfg.LocalToken))
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/api/config/sync", configH.GetSyncConfig)
		r.Get("/api/config/push", configH.GetPushConfig)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		syncH.Routes(r)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		if cfg.LocalToken != "" {
			logger.Infof("local api token %s", middleware.MaskToken(cfg.LocalToken))
		}
		logger.Infof("local api listening on %s (self=%d)", cfg.ListenAddr, cfg.SelfID)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			sess.Stop()
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("ui hub stopped")
	sess.Stop()
	logger.Info("session stopped, checkpoint saved")
	srvWg.Wait()
}

// connectArchive подключается к Postgres и применяет миграции архива.
func connectArchive(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Storage.MaxConnections)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "archive: ")
	if err != nil {
		return nil, err
	}
	if err := repository.RunMigrations(ctx, pool, migrations.Files); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("archive connected, migrations applied")
	return pool, nil
}

// openCheckpoints выбирает хранилище чекпойнтов: Redis, -dev (память + Postgres) или память.
func openCheckpoints(cfg *config.Config, pool *pgxpool.Pool, dev bool) (storage.CheckpointStore, error) {
	switch {
	case cfg.Storage.RedisURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		client, err := startup.ConnectRedisWithRetry(ctx, cfg.Storage.RedisURL, 30*time.Second, "checkpoint: ")
		if err != nil {
			return nil, err
		}
		logger.Info("checkpoints: redis")
		return client, nil
	case dev && pool != nil:
		logger.Info("checkpoints: memory + postgres")
		return devstore.New(repository.NewCheckpointRepository(pool)), nil
	default:
		logger.Info("checkpoints: memory")
		return memory.New(), nil
	}
}

func newNotifier(cfg *config.Config) *push.Notifier {
	if !cfg.Push.Enabled {
		return push.NewNotifier(nil, cfg.Push.Subscriber)
	}
	keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("push: %v (notifications disabled)", err)
		return push.NewNotifier(nil, cfg.Push.Subscriber)
	}
	logger.Infof("push: enabled, keys %s", cfg.Push.VAPIDKeysFile)
	return push.NewNotifier(keys, cfg.Push.Subscriber)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "chatsync"
		password = "chatsync_dev"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "chatsync-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Storage.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
