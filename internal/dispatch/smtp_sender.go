package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

// SMTPSender delivers email through a plain SMTP relay. An alternative to
// SES for self-hosted deployments; pick one per environment.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
	logger *zap.Logger
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.FromEmail,
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg *Outbound) error {
	if msg.Channel != db.ChannelEmail {
		return fmt.Errorf("SMTP sender only supports email, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return fmt.Errorf("message missing recipient address")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.HTML {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Info("email sent via SMTP",
		zap.String("entry_id", msg.EntryID),
		zap.String("to", msg.To),
	)
	return nil
}

func (s *SMTPSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
