package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trailpass/internal/config"
	"trailpass/internal/db"
	"trailpass/internal/email"
	"trailpass/internal/identity"
	"trailpass/internal/observe"
	"trailpass/internal/queue"
	"trailpass/internal/repository"
	"trailpass/internal/service"
	"trailpass/internal/storage"
	"trailpass/internal/worker"
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
	store := repository.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(ctxPing).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
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

	var purger storage.ObjectPurger = storage.NoopPurger{}
	if cfg.S3Bucket != "" {
		client, err := storage.NewS3Client(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			logger.Fatal("s3 client", zap.Error(err))
		}
		purger = storage.NewS3Purger(client, cfg.S3Bucket, logger.Named("s3"))
	} else {
		logger.Warn("s3 bucket not configured, user objects will not be purged")
	}

	deletionQueue := queue.NewRedisQueue(redisClient, "user-deletion")
	revocations := service.NewRedisRevocationStore(redisClient, cfg.RevocationTTL)
	deletionSvc := service.NewDeletionService(logger, store, gateway, purger, deletionQueue, revocations, reporter,
		service.DeletionConfig{
			Grace:       cfg.DeletionGrace,
			BatchSize:   cfg.DeletionBatchSize,
			MaxAttempts: cfg.DeletionMaxAttempts,
			Backoff:     cfg.DeletionBackoff,
		})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.RunScheduler {
		scheduler := worker.NewScheduler(logger.Named("scheduler"))
		err := scheduler.Add(cfg.DeletionSchedule, "deletion-scan", func(ctx context.Context) error {
			_, err := deletionSvc.ScanAndEnqueue(ctx)
			return err
		})
		if err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
		g.Go(func() error { return scheduler.Run(ctx) })
	}

	if cfg.RunConsumers {
		deletions := worker.NewConsumer(deletionQueue, deletionSvc.HandleJob, worker.ConsumerConfig{
			Workers:    cfg.DeletionWorkers,
			JobTimeout: cfg.JobTimeout,
		}, logger, reporter)
		g.Go(func() error { return deletions.Run(ctx) })

		if cfg.SMTPHost != "" {
			smtp, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
			if err != nil {
				logger.Fatal("smtp sender init failed", zap.Error(err))
			}
			mail := worker.NewConsumer(queue.NewRedisQueue(redisClient, "mail"), email.DeliveryHandler(smtp), worker.ConsumerConfig{
				JobTimeout: 30 * time.Second,
			}, logger, reporter)
			g.Go(func() error { return mail.Run(ctx) })
		} else if cfg.MailViaQueue {
			logger.Warn("mail queue enabled without SMTP_HOST, mail jobs will not be delivered")
		}
	}

	logger.Info("worker started",
		zap.Bool("scheduler", cfg.RunScheduler),
		zap.Bool("consumers", cfg.RunConsumers),
	)
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
