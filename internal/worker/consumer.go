// Package worker corre los procesos de fondo: el scheduler periodico y los
// consumidores de colas.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trailpass/internal/observe"
	"trailpass/internal/queue"
)

// JobQueue es la parte de queue.RedisQueue que usa el consumidor.
type JobQueue interface {
	Name() string
	Reserve(ctx context.Context, timeout time.Duration) (queue.Job, bool, error)
	Complete(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, cause error) (bool, time.Duration, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Release(ctx context.Context, job queue.Job) error
	RecoverStalled(ctx context.Context, olderThan time.Duration) ([]queue.StalledJob, error)
}

// Handler procesa un job. Un error deja el job para reintento.
type Handler func(ctx context.Context, job queue.Job) error

type ConsumerConfig struct {
	Workers      int
	JobTimeout   time.Duration
	PollTimeout  time.Duration
	PromoteEvery time.Duration
	// StalledAfter es cuanto puede quedar un job reservado antes de darlo por
	// abandonado. Debe superar JobTimeout.
	StalledAfter time.Duration
	RecoverEvery time.Duration
}

type Consumer struct {
	queue    JobQueue
	handler  Handler
	cfg      ConsumerConfig
	logger   *zap.Logger
	reporter observe.Reporter
}

func NewConsumer(q JobQueue, handler Handler, cfg ConsumerConfig, logger *zap.Logger, reporter observe.Reporter) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.PromoteEvery <= 0 {
		cfg.PromoteEvery = time.Second
	}
	if cfg.StalledAfter <= cfg.JobTimeout {
		cfg.StalledAfter = 2*cfg.JobTimeout + time.Minute
	}
	if cfg.RecoverEvery <= 0 {
		cfg.RecoverEvery = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = observe.Nop{}
	}
	return &Consumer{
		queue:    q,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.With(zap.String("queue", q.Name())),
		reporter: reporter,
	}
}

// Run bloquea hasta que ctx se cancela y los workers terminan su job actual.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", zap.Int("workers", c.cfg.Workers))

	var wg sync.WaitGroup
	wg.Add(c.cfg.Workers + 1)
	go func() {
		defer wg.Done()
		c.promote(ctx)
	}()
	for i := 0; i < c.cfg.Workers; i++ {
		go func(n int) {
			defer wg.Done()
			c.work(ctx, n)
		}(i)
	}
	wg.Wait()

	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) promote(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PromoteEvery)
	defer ticker.Stop()
	recovery := time.NewTicker(c.cfg.RecoverEvery)
	defer recovery.Stop()

	c.recoverStalled(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.PromoteDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				c.logger.Warn("promote delayed jobs failed", zap.Error(err))
			}
		case <-recovery.C:
			c.recoverStalled(ctx)
		}
	}
}

// recoverStalled devuelve al ciclo de reintentos los jobs de workers caidos.
func (c *Consumer) recoverStalled(ctx context.Context) {
	stalled, err := c.queue.RecoverStalled(ctx, c.cfg.StalledAfter)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("recover stalled jobs failed", zap.Error(err))
	}
	for _, job := range stalled {
		if job.Retry {
			c.logger.Warn("stalled job rescheduled", zap.String("job_id", job.ID))
			continue
		}
		c.logger.Error("stalled job moved to failed", zap.String("job_id", job.ID))
		c.reporter.Report(ctx, queue.ErrStalled,
			zap.String("queue", c.queue.Name()),
			zap.String("job_id", job.ID),
		)
	}
}

func (c *Consumer) work(ctx context.Context, n int) {
	log := c.logger.With(zap.Int("worker", n))
	for ctx.Err() == nil {
		job, ok, err := c.queue.Reserve(ctx, c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("reserve failed", zap.Error(err))
			sleep(ctx, c.cfg.PollTimeout)
			continue
		}
		if !ok {
			continue
		}
		c.process(ctx, log, job)
	}
}

// process no usa ctx para cerrar el job, asi un shutdown no deja jobs en active.
func (c *Consumer) process(ctx context.Context, log *zap.Logger, job queue.Job) {
	log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts+1))
	done := context.WithoutCancel(ctx)

	err := c.safeHandle(ctx, job)
	if err == nil {
		if err := c.queue.Complete(done, job); err != nil {
			log.Error("complete job failed", zap.Error(err))
		}
		log.Debug("job completed")
		return
	}

	// apagado: el job vuelve a wait sin gastar un intento
	if ctx.Err() != nil {
		if rerr := c.queue.Release(done, job); rerr != nil {
			log.Error("release job failed", zap.Error(rerr), zap.NamedError("cause", err))
			return
		}
		log.Info("job released on shutdown", zap.Error(err))
		return
	}

	retry, delay, ferr := c.queue.Fail(done, job, err)
	if ferr != nil {
		log.Error("fail job failed", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if retry {
		log.Warn("job failed, retry scheduled", zap.Error(err), zap.Duration("delay", delay))
		return
	}
	log.Error("job moved to failed", zap.Error(err))
	c.reporter.Report(done, err,
		zap.String("queue", c.queue.Name()),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts+1),
	)
}

func (c *Consumer) safeHandle(ctx context.Context, job queue.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, p)
		}
	}()
	err = c.handler(ctx, job)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("job %s timed out after %s: %w", job.ID, c.cfg.JobTimeout, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
