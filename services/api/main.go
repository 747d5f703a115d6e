package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unichat/internal/auth"
	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/config"
	"github.com/unichat/internal/fileserver"
	"github.com/unichat/internal/handler"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/middleware"
	"github.com/unichat/internal/repository"
	"github.com/unichat/internal/startup"
	"github.com/unichat/internal/storage"
	"github.com/unichat/internal/storage/memory"
	redisstorage "github.com/unichat/internal/storage/redis"
	"github.com/unichat/internal/ws"
	"github.com/unichat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-process cache/bus (no external services required)")
	flag.Parse()

	logger.Info("starting chat API service")
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

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	userRepo := repository.NewUserRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	readRepo := repository.NewReadReceiptRepository(pool)
	typingRepo := repository.NewTypingRepository(pool)
	presenceRepo := repository.NewPresenceRepository(pool)

	// A restart leaves nobody connected; presence rows must agree.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := presenceRepo.ResetAllOffline(bootCtx); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	bootCancel()

	// In dev mode the identity cache and the fanout bus run in-process.
	var identityCache storage.IdentityCache
	var fanout bus.Bus
	if *dev {
		identityCache = memory.New()
		fanout = bus.NewMemoryBus()
	} else {
		redisCli := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
		identityCache = redisstorage.New(redisCli)
		fanout = bus.NewRedisBus(redisCli)
	}
	defer identityCache.Close()
	defer fanout.Close()

	authn := auth.New(cfg.Auth.JWTSecret, identityCache, userRepo, cfg.AuthCacheTTL())

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(fanout, convRepo, msgRepo, reactRepo, readRepo, typingRepo, presenceRepo, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	files := fileserver.New(cfg.TempDir, cfg.UploadDir, fanout, msgRepo, hub)
	files.Start(2)

	convH := handler.NewConversationHandler(convRepo, userRepo)
	msgH := handler.NewMessageHandler(msgRepo, convRepo, reactRepo, readRepo, typingRepo, userRepo, fanout)
	userH := handler.NewUserHandler(userRepo, authn)
	fileH := handler.NewFileHandler(files, convRepo, userRepo, cfg.MaxUploadSize)
	wsH := handler.NewWSHandler(hub, authn, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket responses: the wrapped ResponseWriter would
	// not implement http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	// Token verification for /ws happens after the upgrade so the client
	// gets a proper close code instead of a failed handshake.
	r.Get("/ws", wsH.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(authn))
		r.Use(middleware.RateLimitAPI)

		r.Get("/api/users/me", userH.Me)
		r.Put("/api/users/me", userH.UpdateProfile)

		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations/personal", convH.CreatePersonal)
		r.Post("/api/conversations/group", convH.CreateGroup)
		r.Get("/api/conversations/channels", convH.ListChannels)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Post("/api/conversations/{id}/members", convH.AddMember)
		r.Post("/api/conversations/{id}/leave", convH.Leave)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/messages", msgH.Send)

		r.Post("/api/files/upload", fileH.Upload)
		r.Get("/api/files/{filename}", fileH.Serve)
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
	files.Close()
	logger.Info("file pipeline drained")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
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

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "unichat"
		password = "unichat_secret"
		database = "unichat"
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
