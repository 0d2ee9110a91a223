package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/school_portal/internal/audit"
	"github.com/Skotchmaster/school_portal/internal/config"
	"github.com/Skotchmaster/school_portal/internal/db"
	"github.com/Skotchmaster/school_portal/internal/events"
	"github.com/Skotchmaster/school_portal/internal/guard"
	"github.com/Skotchmaster/school_portal/internal/hash"
	"github.com/Skotchmaster/school_portal/internal/httpserver"
	authmw "github.com/Skotchmaster/school_portal/internal/middleware/auth"
	loggingmw "github.com/Skotchmaster/school_portal/internal/middleware/logging"
	"github.com/Skotchmaster/school_portal/internal/logging"
	"github.com/Skotchmaster/school_portal/internal/ratelimit"
	"github.com/Skotchmaster/school_portal/internal/repo"
	"github.com/Skotchmaster/school_portal/internal/service"
	"github.com/Skotchmaster/school_portal/internal/tokens"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gdb, err := db.Open(initCtx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		log.Fatalf("db init error: %v", err)
	}
	if err := db.Migrate(initCtx, gdb); err != nil {
		cancel()
		log.Fatalf("db migrate error: %v", err)
	}
	cancel()

	issuer, err := tokens.NewIssuer(cfg.JWTSecret, tokens.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	store := repo.New(gdb)
	g := guard.New(issuer)

	authSvc := service.NewAuthService(store, hash.New(cfg.BcryptCost), issuer)
	authSvc.SessionTTL = cfg.SessionTTL
	authSvc.ResetTokenTTL = cfg.ResetTokenTTL
	authSvc.VerificationTokenTTL = cfg.VerificationTokenTTL
	authSvc.AdminEmail = cfg.AdminEmail

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		prod, err := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		publisher = prod
		logger.Info("kafka_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	authSvc.Events = publisher

	var auditStore audit.Store = audit.Nop{}
	if cfg.ESURL != "" {
		es, err := audit.NewClient(cfg.ESURL, cfg.ESUser, cfg.ESPassword)
		if err != nil {
			log.Fatalf("elasticsearch: %v", err)
		}
		auditStore = audit.NewElastic(es, cfg.ESIndex)
		logger.Info("audit_enabled", "index", cfg.ESIndex)
	}
	authSvc.Audit = auditStore

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		authSvc.Limiter = ratelimit.NewRedis(rdb, cfg.LoginMaxAttempts, cfg.LoginLockWindow)
	} else {
		authSvc.Limiter = ratelimit.NewMemory(cfg.LoginMaxAttempts, cfg.LoginLockWindow, nil)
	}

	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(
		middleware.Recover(),
		middleware.RequestID(),
		middleware.Secure(),
		middleware.BodyLimit("1M"),
		loggingmw.RequestLogger(logger),
	)

	httpserver.Register(e, &httpserver.Deps{
		Auth:     &httpserver.AuthHTTP{Svc: authSvc},
		Messages: &httpserver.MessageHTTP{Svc: &service.MessageService{Repo: store, Guard: g}},
		Students: &httpserver.StudentHTTP{Svc: &service.StudentService{Repo: store, Guard: g}},
		Audit:    &httpserver.AuditHTTP{Searcher: auditStore},
		AuthMw:   authmw.NewAuthenticator(g),
		Ready: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	go func() {
		logger.Info("server_started", "addr", cfg.ServerAddr)
		if err := e.Start(cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("echo start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo_shutdown_failed", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Error("kafka_close_failed", "error", err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error("redis_close_failed", "error", err)
		}
	}
	if err := db.Close(gdb); err != nil {
		logger.Error("db_close_failed", "error", err)
	}

	logger.Info("shutdown_complete")
}
