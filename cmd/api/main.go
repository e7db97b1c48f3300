package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/auth"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/config"
	"harborbank.org/internal/httpapi"
	"harborbank.org/internal/identity"
	"harborbank.org/internal/notify"
	"harborbank.org/internal/obs"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/ratelimit"
	"harborbank.org/internal/store/memory"
	"harborbank.org/internal/store/pg"
	"harborbank.org/internal/stream"
	"harborbank.org/internal/transfer"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is everything the workflows persist.
type backend interface {
	bank.UserStore
	bank.AccountStore
	otp.Store
	transfer.Store
	audit.Sink
}

func main() {
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}

	var (
		store backend
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal("open db", zap.Error(err))
		}
		defer pgStore.Close()
		store, db = pgStore, pgStore.DB()
	} else {
		log.Warn("HARBOR_PG_DSN not set, using in-memory storage")
		store = memory.New()
	}

	policy := ratelimit.Policy{Window: cfg.OTPWindow, MaxInWindow: cfg.OTPMaxPerWindow, Cooldown: cfg.OTPCooldown}
	var limiter otp.Limiter = ratelimit.NewLocal(policy)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal("connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		limiter = ratelimit.NewRedis(rdb, policy)
	}

	var sender notify.Sender = notify.LogSender{Logger: log}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sender = ks
	}
	dispatcher := notify.NewDispatcher(sender, 10*time.Second)

	recorder := audit.NewRecorder(store)
	codes := otp.NewManager(store,
		otp.WithLimiter(limiter),
		otp.WithNotifier(dispatcher),
		otp.WithAudit(recorder),
		otp.WithTTL(cfg.OTPTTL),
		otp.WithMaxAttempts(cfg.OTPMaxAttempts),
	)
	events := stream.New()
	machine := transfer.NewMachine(store, store, store, codes, transfer.Config{
		Levels:       cfg.TransferLevels,
		LevelCodeTTL: cfg.TransferLevelCodeTTL,
		PendingTTL:   cfg.TransferPendingTTL,
	}, transfer.WithAudit(recorder), transfer.WithPublisher(events))

	people := identity.NewService(store, codes, identity.DefaultTokenTTL)
	if cfg.AdminEmail != "" {
		bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, created, err := people.EnsureStaff(bootCtx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminRole)
		cancel()
		if err != nil {
			log.Fatal("bootstrap staff user", zap.String("email", cfg.AdminEmail), zap.Error(err))
		}
		log.Info("staff user ready", zap.String("email", cfg.AdminEmail), zap.Bool("created", created))
	}

	ready := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Deps{
		Users:     store,
		Accounts:  store,
		OTP:       codes,
		Transfers: machine,
		Identity:  people,
		Stream:    events,
		Ready:     ready,
	}, version,
		httpapi.WithRateLimit(cfg.HTTPRateBurst, cfg.HTTPRatePerSec),
		httpapi.WithAllowedOrigins(cfg.CORSOrigins...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := httpapi.NewHealthServer(ready)
	go health.Run(ctx, 10*time.Second)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	log.Info("starting harbor-api",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.Int("security_levels", machine.Levels()),
	)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	dispatcher.Wait()
	log.Info("stopped")
}
