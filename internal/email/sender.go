package email

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sender define la interfaz para envio de codigos por correo.
type Sender interface {
	SendVerificationOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error
	SendPasswordResetOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error
}

// Deliverer entrega un mensaje ya armado.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Message es un correo de texto plano.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func verificationMessage(to, code string, expiresAt time.Time) Message {
	return Message{
		To:      to,
		Subject: "Verify your TrailPass email",
		Body: fmt.Sprintf(
			"Your verification code is %s.\nIt expires at %s UTC.\n",
			code,
			expiresAt.UTC().Format(time.RFC3339),
		),
	}
}

func passwordResetMessage(to, code string, expiresAt time.Time) Message {
	return Message{
		To:      to,
		Subject: "Reset your TrailPass password",
		Body: fmt.Sprintf(
			"Use code %s to reset your password.\nIt expires at %s UTC.\nIf you did not ask for this, ignore this email.\n",
			code,
			expiresAt.UTC().Format(time.RFC3339),
		),
	}
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) err() error {
	if s.reason == "" {
		return errors.New("email sender disabled")
	}
	return errors.New(s.reason)
}

func (s *disabledSender) SendVerificationOTP(context.Context, string, string, time.Time) error {
	return s.err()
}

func (s *disabledSender) SendPasswordResetOTP(context.Context, string, string, time.Time) error {
	return s.err()
}
