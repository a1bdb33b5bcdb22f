package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trailpass/internal/apperr"
	"trailpass/internal/identity"
	"trailpass/internal/observe"
	"trailpass/internal/queue"
	"trailpass/internal/repository"
	"trailpass/internal/storage"
)

var ErrInvalidDeletionJob = apperr.New(apperr.KindValidation, "deletion job without user id")

type DeletionConfig struct {
	Grace       time.Duration
	BatchSize   int
	MaxAttempts int
	Backoff     time.Duration
}

func (c DeletionConfig) withDefaults() DeletionConfig {
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 10 * time.Second
	}
	return c
}

// JobEnqueuer es la parte de la cola que usa el productor.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

type deletionPayload struct {
	ID string `json:"id"`
}

// DeletionService programa bajas, encola las vencidas y las ejecuta.
type DeletionService struct {
	logger      *zap.Logger
	store       repository.Storage
	gateway     identity.Gateway
	purger      storage.ObjectPurger
	queue       JobEnqueuer
	revocations RevocationStore
	reporter    observe.Reporter
	cfg         DeletionConfig
	now         func() time.Time
}

func NewDeletionService(
	logger *zap.Logger,
	store repository.Storage,
	gateway identity.Gateway,
	purger storage.ObjectPurger,
	q JobEnqueuer,
	revocations RevocationStore,
	reporter observe.Reporter,
	cfg DeletionConfig,
) *DeletionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if purger == nil {
		purger = storage.NoopPurger{}
	}
	if reporter == nil {
		reporter = observe.Nop{}
	}
	return &DeletionService{
		logger:      logger.Named("deletion"),
		store:       store,
		gateway:     gateway,
		purger:      purger,
		queue:       q,
		revocations: revocations,
		reporter:    reporter,
		cfg:         cfg.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequestDeletion cancela los pases pendientes y fija la fecha de baja en la
// misma transaccion. Un pedido repetido conserva la fecha original.
func (s *DeletionService) RequestDeletion(ctx context.Context, userID string) (time.Time, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, ErrUserNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if user.IsDeleted() {
		return time.Time{}, ErrUserNotFound
	}
	if user.DeletionDate != nil {
		return *user.DeletionDate, nil
	}

	now := s.now()
	deletionDate := now.Add(s.cfg.Grace)
	var cancelled int64
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		n, err := q.Passes().CancelPending(ctx, user.ID)
		if err != nil {
			return err
		}
		cancelled = n
		return q.Users().SetDeletionDate(ctx, user.ID, deletionDate)
	})
	if err != nil {
		return time.Time{}, err
	}

	s.logger.Info("deletion scheduled",
		zap.String("user_id", user.ID),
		zap.Time("deletion_date", deletionDate),
		zap.Int64("passes_cancelled", cancelled),
	)
	endSessions(ctx, s.gateway, s.revocations, s.logger, s.reporter, user.ID, now)
	return deletionDate, nil
}

// ScanAndEnqueue encola un job por cada baja vencida. El id del job es el del
// usuario, asi un usuario ya encolado no se duplica. Devuelve los ids nuevos.
func (s *DeletionService) ScanAndEnqueue(ctx context.Context) ([]string, error) {
	ids, err := s.store.Users().ListDeletionCandidates(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	var (
		enqueued []string
		errs     []error
	)
	for _, id := range ids {
		payload, err := json.Marshal(deletionPayload{ID: id})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added, err := s.queue.Enqueue(ctx, queue.Job{
			ID:          id,
			Payload:     payload,
			MaxAttempts: s.cfg.MaxAttempts,
			Backoff:     s.cfg.Backoff,
		})
		if err != nil {
			s.logger.Warn("enqueue deletion failed", zap.Error(err), zap.String("user_id", id))
			errs = append(errs, err)
			continue
		}
		if added {
			enqueued = append(enqueued, id)
		}
	}

	s.logger.Info("deletion scan finished",
		zap.Int("candidates", len(ids)),
		zap.Int("enqueued", len(enqueued)),
	)
	return enqueued, errors.Join(errs...)
}

// HandleJob ejecuta una baja. Es idempotente: cada paso tolera que un intento
// anterior ya lo haya hecho.
func (s *DeletionService) HandleJob(ctx context.Context, job queue.Job) error {
	userID, err := deletionUserID(job)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("user_id", userID))

	user, err := s.store.Users().GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("user already gone")
		return nil
	}
	if err != nil {
		return err
	}
	if user.IsDeleted() {
		log.Info("user already anonymised")
		return nil
	}
	now := s.now()
	if user.DeletionDate == nil || user.DeletionDate.After(now) {
		log.Info("deletion no longer due")
		return nil
	}

	if err := s.deleteIdentity(ctx, userID); err != nil {
		return err
	}

	purged, err := s.purger.PurgeUser(ctx, userID)
	if err != nil {
		return err
	}

	if user.RegistrationStatus.IsTransient() {
		if err := s.store.Users().HardDelete(ctx, userID); err != nil {
			return err
		}
		log.Info("unverified user deleted", zap.Int("objects_purged", purged))
		return nil
	}

	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if _, err := q.Users().Anonymize(ctx, userID, now); err != nil {
			return err
		}
		if err := q.OTPs().DeleteAllForUser(ctx, userID); err != nil {
			return err
		}
		return q.EmergencyContacts().DeleteForUser(ctx, userID)
	})
	if err != nil {
		return err
	}
	log.Info("user anonymised", zap.Int("objects_purged", purged))
	return nil
}

// deleteIdentity borra la identidad externa; que ya no exista no es un error.
func (s *DeletionService) deleteIdentity(ctx context.Context, userID string) error {
	_, found, err := s.gateway.GetIdentity(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	err = s.gateway.DeleteIdentity(ctx, userID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil
	}
	return err
}

func deletionUserID(job queue.Job) (string, error) {
	var p deletionPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", ErrInvalidDeletionJob.Wrap(fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	if p.ID == "" {
		p.ID = job.ID
	}
	if p.ID == "" {
		return "", ErrInvalidDeletionJob
	}
	return p.ID, nil
}
