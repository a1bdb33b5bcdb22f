package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender envia correos via SMTP.
type SMTPSender struct {
	dialer   dialer
	from     string
	fromName string
}

func NewSMTPSender(host string, port int, username, password, from, fromName string, useTLS bool) (*SMTPSender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp from is required")
	}
	if port == 0 {
		port = 587
	}
	d := gomail.NewDialer(host, port, username, password)
	d.SSL = useTLS
	return &SMTPSender{dialer: d, from: from, fromName: fromName}, nil
}

func (s *SMTPSender) Deliver(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("to email is required")
	}
	m := gomail.NewMessage()
	if strings.TrimSpace(s.fromName) != "" {
		m.SetAddressHeader("From", s.from, s.fromName)
	} else {
		m.SetHeader("From", s.from)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	return s.dialer.DialAndSend(m)
}

func (s *SMTPSender) SendVerificationOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error {
	return s.Deliver(ctx, verificationMessage(toEmail, code, expiresAt))
}

func (s *SMTPSender) SendPasswordResetOTP(ctx context.Context, toEmail string, code string, expiresAt time.Time) error {
	return s.Deliver(ctx, passwordResetMessage(toEmail, code, expiresAt))
}
