package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portalchat/internal/auth"
	"github.com/portalchat/internal/broadcast"
	"github.com/portalchat/internal/config"
	"github.com/portalchat/internal/conversation"
	"github.com/portalchat/internal/handler"
	"github.com/portalchat/internal/logger"
	"github.com/portalchat/internal/middleware"
	"github.com/portalchat/internal/model"
	"github.com/portalchat/internal/presence"
	"github.com/portalchat/internal/pubsub"
	memorybroker "github.com/portalchat/internal/pubsub/memory"
	"github.com/portalchat/internal/push"
	"github.com/portalchat/internal/repository"
	"github.com/portalchat/internal/startup"
	"github.com/portalchat/internal/ws"
	"github.com/portalchat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory broker (no external services required)")
	flag.Parse()

	logger.Info("starting conversation API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var broker pubsub.Broker
	if *dev {
		broker = memorybroker.New()
		logger.Info("using in-memory delta broker")
		logDevTokens(cfg)
	} else {
		broker = startup.ConnectBrokerWithRetry(cfg.Redis.URL, 60*time.Second, "")
		logger.Info("redis broker connected")
	}
	defer broker.Close()

	msgRepo := repository.NewMessageRepository(pool)
	pushClient := push.NewClient(cfg.PushServiceURL)
	var notifier broadcast.PushNotifier
	if cfg.PushServiceURL != "" {
		notifier = pushClient
	}
	hub := broadcast.NewHub(broker, notifier)
	processor := conversation.NewProcessor(msgRepo, hub)
	tracker := presence.NewTracker(hub)
	defer tracker.Close()

	wsHub := ws.NewHub(broker, cfg.MaxWSConnections)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		wsHub.Run(hubCtx)
	}()

	convH := handler.NewConversationHandler(processor, tracker, msgRepo)
	wsH := handler.NewWSHandler(wsHub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(cfg.JWTSecret))
		r.Get("/api/projects/{projectId}/messages", convH.GetMessages)
		r.Get("/api/projects/{projectId}/pinned", convH.GetPinned)
		r.Post("/api/projects/{projectId}/messages", convH.Send)
		r.Post("/api/projects/{projectId}/messages/{messageId}/replies", convH.Reply)
		r.Put("/api/messages/{messageId}", convH.Edit)
		r.Post("/api/messages/{messageId}/reactions", convH.React)
		r.Put("/api/messages/{messageId}/pin", convH.SetPinned)
		r.Post("/api/projects/{projectId}/read", convH.MarkRead)
		r.Post("/api/projects/{projectId}/typing", convH.SetTyping)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
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
	logger.Info("ws hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

// logDevTokens prints one bearer token per role so the API can be exercised
// without the portal's identity provider.
func logDevTokens(cfg *config.Config) {
	for _, id := range []model.Identity{
		{Role: model.RoleOwner, UserID: "dev-owner", DisplayName: "Dev Owner"},
		{Role: model.RoleClient, UserID: "dev-client", DisplayName: "Dev Client"},
	} {
		token, err := auth.NewAccessToken(id, cfg.JWTSecret, 24*time.Hour)
		if err != nil {
			logger.Errorf("dev token %s: %v", id.Role, err)
			continue
		}
		logger.Infof("dev token role=%s: %s", id.Role, token)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "portal"
		password = "portal_secret"
		database = "portal"
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
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
