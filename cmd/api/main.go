package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trailpass/internal/config"
	"trailpass/internal/db"
	"trailpass/internal/email"
	apihttp "trailpass/internal/http"
	"trailpass/internal/identity"
	"trailpass/internal/observe"
	"trailpass/internal/queue"
	"trailpass/internal/repository"
	"trailpass/internal/service"
	"trailpass/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	reporter := observe.NewZapReporter(logger)

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
	}
	store := repository.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(ctxPing).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
	}
	cancel()

	gateway := identity.NewKeycloakGateway(identity.KeycloakConfig{
		BaseURL:      cfg.IdentityBaseURL,
		Realm:        cfg.IdentityRealm,
		ClientID:     cfg.IdentityClientID,
		ClientSecret: cfg.IdentityClientSecret,
		RedirectURL:  cfg.IdentityRedirectURL,
		Timeout:      cfg.IdentityTimeout,
	}, nil, logger.Named("identity"))

	var emailSender email.Sender = email.NewDisabledSender("email sender not configured")
	switch {
	case cfg.MailViaQueue:
		emailSender = email.NewQueueSender(queue.NewRedisQueue(redisClient, "mail"), cfg.MailAttempts, 0)
	case cfg.SMTPHost != "":
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			emailSender = sender
		}
	}

	revocations := service.NewRedisRevocationStore(redisClient, cfg.RevocationTTL)
	resetLimiter := service.NewRedisBurstLimiter(redisClient, "limit:password-reset:", cfg.ResetRequestWindow, cfg.ResetRequestLimit)

	issuer := strings.TrimRight(cfg.IdentityBaseURL, "/") + "/realms/" + cfg.IdentityRealm
	tokens, err := service.NewTokenVerifier(cfg.IdentityPublicKey, issuer, revocations, logger)
	if err != nil {
		logger.Fatal("token verifier", zap.Error(err))
	}

	otpSvc := service.NewOTPService(logger.Named("otp"), store, emailSender, service.OTPConfig{
		Length:   cfg.OTPLength,
		TTL:      cfg.OTPTTL,
		Cooldown: cfg.OTPCooldown,
		Attempts: cfg.OTPAttempts,
	})
	accountSvc := service.NewAccountService(logger.Named("accounts"), store, gateway, otpSvc, revocations, resetLimiter, reporter)

	// la API solo programa la baja; el purge de objetos corre en el worker
	deletionSvc := service.NewDeletionService(logger, store, gateway, storage.NoopPurger{},
		queue.NewRedisQueue(redisClient, "user-deletion"), revocations, reporter, service.DeletionConfig{
			Grace:       cfg.DeletionGrace,
			BatchSize:   cfg.DeletionBatchSize,
			MaxAttempts: cfg.DeletionMaxAttempts,
			Backoff:     cfg.DeletionBackoff,
		})

	accountHandler := apihttp.NewAccountHandler(logger, accountSvc, deletionSvc)
	router := apihttp.NewRouter(logger, accountHandler, tokens)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
