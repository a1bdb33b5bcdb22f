package email

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trailpass/internal/queue"
)

// Enqueuer es la parte de la cola que usa QueueSender.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// QueueSender encola los correos para que los entregue el worker de mail,
// asi un SMTP lento no bloquea la respuesta HTTP.
type QueueSender struct {
	queue    Enqueuer
	attempts int
	backoff  time.Duration
}

func NewQueueSender(q Enqueuer, attempts int, backoff time.Duration) *QueueSender {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &QueueSender{queue: q, attempts: attempts, backoff: backoff}
}

func (s *QueueSender) SendVerificationOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error {
	return s.enqueue(ctx, verificationMessage(toEmail, code, expiresAt))
}

func (s *QueueSender) SendPasswordResetOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error {
	return s.enqueue(ctx, passwordResetMessage(toEmail, code, expiresAt))
}

func (s *QueueSender) enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, queue.Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		MaxAttempts: s.attempts,
		Backoff:     s.backoff,
	})
	return err
}

// DeliveryHandler decodifica un job de mail y lo entrega.
func DeliveryHandler(d Deliverer) func(ctx context.Context, job queue.Job) error {
	return func(ctx context.Context, job queue.Job) error {
		var msg Message
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return fmt.Errorf("decode mail job %s: %w", job.ID, err)
		}
		return d.Deliver(ctx, msg)
	}
}
